package tracking

import (
	"sync"
	"time"
)

// Logger window sizes.
const (
	logRingSize     = 1000
	metricsWindow   = 100
	accuracyFloor   = 0.8
	intentConfFloor = 0.7
)

// ContextLog is one recorded analysis cycle.
type ContextLog struct {
	SessionID        string    `json:"session_id"`
	Turn             int       `json:"turn"`
	ContextAccuracy  float64   `json:"context_accuracy"`
	IntentConfidence float64   `json:"intent_confidence"`
	ErrorDetected    bool      `json:"error_detected"`
	Timestamp        time.Time `json:"timestamp"`
}

// ContextLogger keeps the last 1000 analysis cycles in a ring buffer and
// recomputes rolling quality metrics over the most recent 100 after every
// append. Pure read-side bookkeeping; it never fails.
type ContextLogger struct {
	mu      sync.Mutex
	ring    [logRingSize]ContextLog
	next    int
	count   int
	metrics LoggerMetrics
}

// LoggerMetrics are rolling fractions over the last 100 cycles.
type LoggerMetrics struct {
	ContextTrackingAccuracy float64 `json:"context_tracking_accuracy"`
	IntentRecognitionRate   float64 `json:"intent_recognition_rate"`
	ErrorDetectionRate      float64 `json:"error_detection_rate"`
	TotalCycles             int     `json:"total_cycles"`
}

// NewContextLogger creates an empty logger.
func NewContextLogger() *ContextLogger {
	return &ContextLogger{}
}

// Record appends one cycle and refreshes the rolling metrics.
func (l *ContextLogger) Record(entry ContextLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = entry
	l.next = (l.next + 1) % logRingSize
	if l.count < logRingSize {
		l.count++
	}

	l.recompute()
}

// Metrics returns the current rolling metrics.
func (l *ContextLogger) Metrics() LoggerMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

// Recent returns up to n most recent entries, newest first.
func (l *ContextLogger) Recent(n int) []ContextLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > l.count {
		n = l.count
	}
	out := make([]ContextLog, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + logRingSize) % logRingSize
		out = append(out, l.ring[idx])
	}
	return out
}

func (l *ContextLogger) recompute() {
	window := metricsWindow
	if window > l.count {
		window = l.count
	}
	if window == 0 {
		l.metrics = LoggerMetrics{}
		return
	}

	var accurate, recognized, detected int
	for i := 1; i <= window; i++ {
		idx := (l.next - i + logRingSize) % logRingSize
		entry := l.ring[idx]
		if entry.ContextAccuracy > accuracyFloor {
			accurate++
		}
		if entry.IntentConfidence > intentConfFloor {
			recognized++
		}
		if entry.ErrorDetected {
			detected++
		}
	}

	l.metrics = LoggerMetrics{
		ContextTrackingAccuracy: float64(accurate) / float64(window),
		IntentRecognitionRate:   float64(recognized) / float64(window),
		ErrorDetectionRate:      float64(detected) / float64(window),
		TotalCycles:             l.count,
	}
}
