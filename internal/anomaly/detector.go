package anomaly

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

var (
	ErrInsufficientData = errors.New("insufficient data for anomaly detection")
	ErrUnknownMethod    = errors.New("unknown anomaly detection method")
	ErrInvalidConfig    = errors.New("invalid anomaly detection config")
)

type Method string

const (
	MethodStatistical     Method = "statistical"
	MethodIsolationForest Method = "isolation_forest"
	MethodClustering      Method = "clustering"
	MethodAIBased         Method = "ai_based"

	// MethodEnsemble labels the combined verdict in real-time results
	MethodEnsemble Method = "ensemble"
)

var AllMethods = []Method{MethodStatistical, MethodIsolationForest, MethodClustering, MethodAIBased}

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Threshold maps sensitivity to a score threshold; higher sensitivity flags more points
func (s Sensitivity) Threshold() (float64, bool) {
	switch s {
	case SensitivityLow:
		return 0.8, true
	case SensitivityMedium, "":
		return 0.6, true
	case SensitivityHigh:
		return 0.4, true
	}
	return 0, false
}

type Config struct {
	Methods     []Method    `json:"methods"`
	Sensitivity Sensitivity `json:"sensitivity"`
	// Threshold for the combined score; zero uses the sensitivity threshold
	Threshold           float64 `json:"threshold"`
	IncludeExplanations bool    `json:"includeExplanations"`
}

func DefaultConfig() Config {
	return Config{
		Methods:             AllMethods,
		Sensitivity:         SensitivityMedium,
		IncludeExplanations: true,
	}
}

// DataPoint is one observation; features missing from a point count as 0
type DataPoint struct {
	ID        string                 `json:"id"`
	Features  map[string]float64     `json:"features"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Result is one method's verdict on one point
type Result struct {
	IsAnomaly   bool                   `json:"isAnomaly"`
	Score       float64                `json:"score"`
	Confidence  float64                `json:"confidence"`
	Method      Method                 `json:"method"`
	Explanation string                 `json:"explanation,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// detector is fitted on a reference set and then scores individual vectors
type detector interface {
	fit(ref [][]float64)
	score(x []float64) (float64, string)
}

type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

type Option func(*Engine)

// WithRand injects the random source used by isolation forest and k-means
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rnd = r }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

type resolvedConfig struct {
	methods     []Method
	threshold   float64 // per-method threshold from sensitivity
	overall     float64 // combined-score threshold
	explanation bool
}

func resolve(cfg Config) (resolvedConfig, error) {
	t, ok := cfg.Sensitivity.Threshold()
	if !ok {
		return resolvedConfig{}, fmt.Errorf("%w: sensitivity %q", ErrInvalidConfig, cfg.Sensitivity)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return resolvedConfig{}, fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidConfig, cfg.Threshold)
	}

	methods := cfg.Methods
	if len(methods) == 0 {
		methods = AllMethods
	}
	seen := make(map[Method]bool, len(methods))
	var uniq []Method
	for _, m := range methods {
		switch m {
		case MethodStatistical, MethodIsolationForest, MethodClustering, MethodAIBased:
		default:
			return resolvedConfig{}, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
		}
		if !seen[m] {
			seen[m] = true
			uniq = append(uniq, m)
		}
	}

	overall := cfg.Threshold
	if overall == 0 {
		overall = t
	}

	return resolvedConfig{methods: uniq, threshold: t, overall: overall, explanation: cfg.IncludeExplanations}, nil
}

func (e *Engine) newDetector(m Method, features []string) detector {
	switch m {
	case MethodStatistical:
		return newStatistical(features)
	case MethodIsolationForest:
		return newIsolationForest(e.rnd)
	case MethodClustering:
		return newKMeans(e.rnd)
	case MethodAIBased:
		return newPatternMatcher(features)
	}
	return nil
}

// confidence grows with the distance between score and threshold on either side
func confidence(score, threshold float64) float64 {
	if score > threshold {
		if threshold >= 1 {
			return 1
		}
		return min((score-threshold)/(1-threshold), 1)
	}
	if threshold <= 0 {
		return 1
	}
	return max(1-(threshold-score)/threshold, 0)
}

// combine returns the confidence-weighted mean score, falling back to the
// plain mean when every method has zero confidence
func combine(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var weighted, weights, sum float64
	for _, r := range results {
		weighted += r.Score * r.Confidence
		weights += r.Confidence
		sum += r.Score
	}
	if weights == 0 {
		return sum / float64(len(results))
	}
	return weighted / weights
}

func featureNames(points ...[]DataPoint) []string {
	set := make(map[string]struct{})
	for _, ps := range points {
		for _, p := range ps {
			for k := range p.Features {
				set[k] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func vectorize(points []DataPoint, features []string) [][]float64 {
	out := make([][]float64, len(points))
	for i, p := range points {
		v := make([]float64, len(features))
		for j, f := range features {
			v[j] = p.Features[f]
		}
		out[i] = v
	}
	return out
}

func (e *Engine) evaluate(dets map[Method]detector, rc resolvedConfig, x []float64) []Result {
	results := make([]Result, 0, len(rc.methods))
	for _, m := range rc.methods {
		s, why := dets[m].score(x)
		s = clamp01(s)
		r := Result{
			IsAnomaly:  s >= rc.threshold,
			Score:      s,
			Confidence: confidence(s, rc.threshold),
			Method:     m,
		}
		if rc.explanation {
			r.Explanation = why
		}
		results = append(results, r)
	}
	return results
}

// DetectRealTimeAnomaly scores one point against a history window. The
// returned slice holds one result per method followed by the ensemble verdict.
func (e *Engine) DetectRealTimeAnomaly(point DataPoint, history []DataPoint, cfg Config) ([]Result, error) {
	rc, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrInsufficientData
	}

	features := featureNames(history, []DataPoint{point})
	ref := vectorize(history, features)
	x := vectorize([]DataPoint{point}, features)[0]

	e.mu.Lock()
	defer e.mu.Unlock()

	dets := make(map[Method]detector, len(rc.methods))
	for _, m := range rc.methods {
		d := e.newDetector(m, features)
		d.fit(ref)
		dets[m] = d
	}

	results := e.evaluate(dets, rc, x)
	overall := combine(results)
	ensemble := Result{
		IsAnomaly:  overall >= rc.overall,
		Score:      overall,
		Confidence: confidence(overall, rc.overall),
		Method:     MethodEnsemble,
		Metadata: map[string]interface{}{
			"pointId":     point.ID,
			"historySize": len(history),
			"threshold":   rc.overall,
		},
	}
	if rc.explanation {
		ensemble.Explanation = explain(results)
	}

	return append(results, ensemble), nil
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	return max(0, min(v, 1))
}
