// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"log/slog"
	"sync"
)

// ScoreDriftMonitor watches evaluation score averages per axis and warns when
// a sliding window drifts away from the recorded baseline. It catches model
// or prompt changes that quietly degrade job outcomes.
type ScoreDriftMonitor struct {
	baselineScores map[string]float64
	recentScores   map[string][]float64
	windowSize     int
	driftThreshold float64
	mu             sync.RWMutex
	modelVersion   string
}

// NewScoreDriftMonitor creates a new score drift monitor.
func NewScoreDriftMonitor(modelVersion string, windowSize int, driftThreshold float64) *ScoreDriftMonitor {
	return &ScoreDriftMonitor{
		baselineScores: make(map[string]float64),
		recentScores:   make(map[string][]float64),
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
		modelVersion:   modelVersion,
	}
}

// UpdateBaseline sets the reference average for one axis.
func (sdm *ScoreDriftMonitor) UpdateBaseline(axis string, score float64) {
	sdm.mu.Lock()
	defer sdm.mu.Unlock()

	sdm.baselineScores[axis] = score
	slog.Info("updated baseline score",
		slog.String("axis", axis),
		slog.Float64("score", score),
		slog.String("model_version", sdm.modelVersion))
}

// RecordScore records a new score and checks for drift once the window is
// full. It returns the current drift and whether it crossed the threshold,
// so callers can raise their own alerts.
func (sdm *ScoreDriftMonitor) RecordScore(axis string, score float64) (float64, bool) {
	sdm.mu.Lock()
	defer sdm.mu.Unlock()

	if sdm.recentScores[axis] == nil {
		sdm.recentScores[axis] = make([]float64, 0, sdm.windowSize)
	}
	sdm.recentScores[axis] = append(sdm.recentScores[axis], score)
	if len(sdm.recentScores[axis]) > sdm.windowSize {
		sdm.recentScores[axis] = sdm.recentScores[axis][1:]
	}

	if len(sdm.recentScores[axis]) < sdm.windowSize {
		return 0, false
	}
	drift := sdm.calculateDrift(axis)
	EvaluationScoreDrift.WithLabelValues(axis).Set(drift)
	if drift <= sdm.driftThreshold {
		return drift, false
	}
	slog.Warn("score drift detected",
		slog.String("axis", axis),
		slog.Float64("drift", drift),
		slog.Float64("threshold", sdm.driftThreshold),
		slog.String("model_version", sdm.modelVersion))
	return drift, true
}

// calculateDrift calculates the drift from baseline.
func (sdm *ScoreDriftMonitor) calculateDrift(axis string) float64 {
	baseline, exists := sdm.baselineScores[axis]
	if !exists {
		return 0.0
	}
	recent := sdm.recentScores[axis]
	if len(recent) == 0 {
		return 0.0
	}

	avg := 0.0
	for _, s := range recent {
		avg += s
	}
	avg /= float64(len(recent))

	drift := avg - baseline
	if drift < 0 {
		drift = -drift
	}
	return drift
}

// GetDrift returns the current drift for an axis.
func (sdm *ScoreDriftMonitor) GetDrift(axis string) float64 {
	sdm.mu.RLock()
	defer sdm.mu.RUnlock()
	return sdm.calculateDrift(axis)
}

// GetBaseline returns the baseline score for an axis.
func (sdm *ScoreDriftMonitor) GetBaseline(axis string) (float64, bool) {
	sdm.mu.RLock()
	defer sdm.mu.RUnlock()
	score, exists := sdm.baselineScores[axis]
	return score, exists
}

// Reset clears baselines and windows.
func (sdm *ScoreDriftMonitor) Reset() {
	sdm.mu.Lock()
	defer sdm.mu.Unlock()
	sdm.baselineScores = make(map[string]float64)
	sdm.recentScores = make(map[string][]float64)
}
