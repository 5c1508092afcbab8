package chart

import (
	"strings"
	"testing"
)

func TestIsPayload(t *testing.T) {
	fig := Figure{
		Data:   []Trace{{Type: "bar", X: []interface{}{"a"}, Y: []interface{}{1}}},
		Layout: Layout{Title: Title{Text: "Sales"}},
	}
	payload, err := fig.JSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if !IsPayload(payload) {
		t.Error("figure JSON should be detected")
	}
	if IsPayload(`{"data": [1,2]}`) {
		t.Error("missing layout should not be detected")
	}
	if IsPayload(`the "layout" and "data" keys are broken {`) {
		t.Error("invalid JSON should not be detected")
	}
	if IsPayload(`[{"region":"EMEA","amount":10}]`) {
		t.Error("plain rows should not be detected")
	}
}

func TestStripPayloads(t *testing.T) {
	in := `Revenue grew 12%. <chart>{"data": [], "layout": {"title": "x"}}</chart> Chart rendered below.`
	got := StripPayloads(in)

	if strings.Contains(got, "layout") {
		t.Errorf("payload not removed: %q", got)
	}
	if strings.Contains(got, "<chart>") || strings.Contains(got, "</chart>") {
		t.Errorf("tags not removed: %q", got)
	}
	if !strings.HasPrefix(got, "Revenue grew 12%.") || !strings.HasSuffix(got, "Chart rendered below.") {
		t.Errorf("narrative damaged: %q", got)
	}
}

func TestStripPayloads_PlainText(t *testing.T) {
	if got := StripPayloads("  just text  "); got != "just text" {
		t.Errorf("expected trimmed text, got %q", got)
	}
}
