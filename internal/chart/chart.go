// Package chart models Plotly-shaped chart payloads and detects them in tool output.
package chart

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Placeholder replaces a chart payload in conversation history.
const Placeholder = "✅ Interactive Chart successfully generated and captured by the UI Engine."

// Trace is one data series of a figure.
type Trace struct {
	Type   string        `json:"type"`
	Name   string        `json:"name,omitempty"`
	X      []interface{} `json:"x,omitempty"`
	Y      []interface{} `json:"y,omitempty"`
	Labels []interface{} `json:"labels,omitempty"`
	Values []interface{} `json:"values,omitempty"`
	Mode   string        `json:"mode,omitempty"`
}

// Title is a layout title.
type Title struct {
	Text string `json:"text"`
}

// Axis is a layout axis.
type Axis struct {
	Title Title `json:"title"`
}

// Layout is the figure layout.
type Layout struct {
	Title   Title  `json:"title"`
	BarMode string `json:"barmode,omitempty"`
	XAxis   *Axis  `json:"xaxis,omitempty"`
	YAxis   *Axis  `json:"yaxis,omitempty"`
}

// Figure is a complete chart payload.
type Figure struct {
	Data   []Trace `json:"data"`
	Layout Layout  `json:"layout"`
}

// JSON encodes the figure.
func (f Figure) JSON() (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IsPayload reports whether text has the shape of a chart payload: it
// mentions both "layout" and "data" keys and is valid JSON.
func IsPayload(text string) bool {
	if !strings.Contains(text, `"layout"`) || !strings.Contains(text, `"data"`) {
		return false
	}
	return json.Valid([]byte(strings.TrimSpace(text)))
}

var (
	payloadPattern = regexp.MustCompile(`(?s)\{.*?"layout".*?\}`)
	tagReplacer    = strings.NewReplacer("<chart>", "", "</chart>", "")
)

// StripPayloads removes inline chart JSON and chart tags from an answer.
func StripPayloads(text string) string {
	text = payloadPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(tagReplacer.Replace(text))
}
