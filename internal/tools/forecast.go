package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// MaxForecastPeriods caps how far ahead a forecast may reach.
const MaxForecastPeriods = 120

// forecastTool extrapolates a monthly series with a linear trend.
type forecastTool struct{}

func (t *forecastTool) Name() string { return "forecast_data" }

func (t *forecastTool) Description() string {
	return "Predicts future trends based on historical JSON data. " +
		"Input data_json must have 'ds' (date string) and 'y' (numeric value) keys. " +
		"'periods' is the number of future intervals to forecast."
}

func (t *forecastTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data_json": map[string]interface{}{
				"type":        "string",
				"description": "JSON array of {\"ds\": date, \"y\": number} objects",
			},
			"periods": map[string]interface{}{
				"type":        "integer",
				"description": "Number of future month-ends to forecast (default 3, at most 120)",
			},
		},
		"required": []string{"data_json"},
	}
}

// ForecastPoint is one predicted value.
type ForecastPoint struct {
	DS    string  `json:"ds"`
	YHat  float64 `json:"y_hat"`
	Trend string  `json:"trend"`
}

func (t *forecastTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	raw, err := requireString(args, "data_json")
	if err != nil {
		return "", err
	}
	periods, err := intArg(args, "periods", 3)
	if err != nil {
		return "", err
	}

	points, err := Forecast(peelQuotes(raw), periods)
	if err != nil {
		return fmt.Sprintf("Forecast Error: %v. Ensure data has 'ds' and 'y' columns.", err), nil
	}
	data, err := json.Marshal(points)
	if err != nil {
		return "", fmt.Errorf("failed to encode forecast: %w", err)
	}
	return string(data), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01",
}

func parseDate(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("ds must be a date string, got %v", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// dayOrdinal counts days since the Unix epoch.
func dayOrdinal(t time.Time) float64 {
	return math.Floor(float64(t.Unix()) / 86400)
}

// monthEnd returns the last day of t's month.
func monthEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC)
}

// Forecast fits y over the day ordinal of ds and predicts the next
// periods month-ends following the month-end at or after the last date.
func Forecast(dataJSON string, periods int) ([]ForecastPoint, error) {
	if periods < 1 || periods > MaxForecastPeriods {
		return nil, fmt.Errorf("periods must be between 1 and %d, got %d", MaxForecastPeriods, periods)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(dataJSON), &rows); err != nil {
		return nil, fmt.Errorf("invalid data_json: %v", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no data points")
	}

	type sample struct {
		ds time.Time
		y  float64
	}
	samples := make([]sample, 0, len(rows))
	for _, row := range rows {
		ds, err := parseDate(row["ds"])
		if err != nil {
			return nil, err
		}
		y, ok := row["y"].(float64)
		if !ok {
			return nil, fmt.Errorf("y must be numeric, got %v", row["y"])
		}
		samples = append(samples, sample{ds: ds, y: y})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].ds.Before(samples[j].ds) })

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = dayOrdinal(s.ds)
		ys[i] = s.y
	}

	alpha, beta := stat.Mean(ys, nil), 0.0
	if stat.Variance(xs, nil) > 0 {
		alpha, beta = stat.LinearRegression(xs, ys, nil, false)
	}

	last := samples[len(samples)-1].ds
	anchor := monthEnd(last)
	out := make([]ForecastPoint, periods)
	for i := range out {
		ds := monthEnd(time.Date(anchor.Year(), anchor.Month()+time.Month(i+1), 1, 0, 0, 0, 0, time.UTC))
		yHat := alpha + beta*dayOrdinal(ds)
		out[i] = ForecastPoint{
			DS:    ds.Format("2006-01-02"),
			YHat:  math.Round(yHat*100) / 100,
			Trend: "forecast",
		}
	}
	return out, nil
}
