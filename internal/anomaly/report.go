package anomaly

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxTopAnomalies = 10

// Severity buckets for anomalous points
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

func severityOf(score float64) string {
	switch {
	case score >= 0.8:
		return SeverityHigh
	case score >= 0.6:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// PointResult is the combined verdict for one data point
type PointResult struct {
	PointID     string    `json:"pointId"`
	Timestamp   time.Time `json:"timestamp"`
	IsAnomaly   bool      `json:"isAnomaly"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	Severity    string    `json:"severity,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Methods     []Result  `json:"methods"`
}

type Report struct {
	Total        int            `json:"total"`
	AnomalyCount int            `json:"anomalyCount"`
	AnomalyRate  float64        `json:"anomalyRate"` // fraction of points, 0..1
	Threshold    float64        `json:"threshold"`
	ByMethod     map[Method]int `json:"byMethod"`
	BySeverity   map[string]int `json:"bySeverity"`
	TopAnomalies []PointResult  `json:"topAnomalies"`
	Results      []PointResult  `json:"results"`
	GeneratedAt  time.Time      `json:"generatedAt"`
}

// DetectAnomalies fits every configured method on the full dataset and
// scores each point against it
func (e *Engine) DetectAnomalies(points []DataPoint, cfg Config) (*Report, error) {
	rc, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return nil, ErrInsufficientData
	}

	features := featureNames(points)
	vectors := vectorize(points, features)

	e.mu.Lock()
	dets := make(map[Method]detector, len(rc.methods))
	for _, m := range rc.methods {
		d := e.newDetector(m, features)
		d.fit(vectors)
		dets[m] = d
	}

	results := make([]PointResult, len(points))
	for i, p := range points {
		methods := e.evaluate(dets, rc, vectors[i])
		overall := combine(methods)
		results[i] = PointResult{
			PointID:    p.ID,
			Timestamp:  p.Timestamp,
			IsAnomaly:  overall >= rc.overall,
			Score:      overall,
			Confidence: confidence(overall, rc.overall),
			Methods:    methods,
		}
	}
	e.mu.Unlock()

	report := &Report{
		Total:       len(points),
		Threshold:   rc.overall,
		ByMethod:    make(map[Method]int, len(rc.methods)),
		BySeverity:  map[string]int{SeverityHigh: 0, SeverityMedium: 0, SeverityLow: 0},
		Results:     results,
		GeneratedAt: e.now(),
	}
	for _, m := range rc.methods {
		report.ByMethod[m] = 0
	}

	var anomalous []PointResult
	for i := range results {
		r := &results[i]
		if !r.IsAnomaly {
			continue
		}
		r.Severity = severityOf(r.Score)
		r.Explanation = explain(r.Methods)
		report.AnomalyCount++
		report.BySeverity[r.Severity]++
		for _, m := range r.Methods {
			if m.IsAnomaly {
				report.ByMethod[m.Method]++
			}
		}
		anomalous = append(anomalous, *r)
	}
	report.AnomalyRate = float64(report.AnomalyCount) / float64(report.Total)

	sort.SliceStable(anomalous, func(i, j int) bool { return anomalous[i].Score > anomalous[j].Score })
	if len(anomalous) > maxTopAnomalies {
		anomalous = anomalous[:maxTopAnomalies]
	}
	report.TopAnomalies = anomalous

	return report, nil
}

// explain summarises which methods flagged a point and why
func explain(results []Result) string {
	var flagged, reasons []string
	for _, r := range results {
		if !r.IsAnomaly {
			continue
		}
		flagged = append(flagged, string(r.Method))
		if r.Explanation != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", r.Method, r.Explanation))
		}
	}
	if len(flagged) == 0 {
		return "no individual method exceeded its threshold"
	}
	msg := fmt.Sprintf("flagged by %s", strings.Join(flagged, ", "))
	if len(reasons) > 0 {
		msg += " (" + strings.Join(reasons, "; ") + ")"
	}
	return msg
}
