package pipeline

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"
)

// LatencyReport accumulates per-stage wall time for one pipeline execution.
// Stages keep their completion order; a stage name is recorded at most once.
type LatencyReport struct {
	SessionID string
	RequestID string

	mu     sync.Mutex
	names  []string
	stages map[string]float64
}

func NewLatencyReport(sessionID, requestID string) *LatencyReport {
	return &LatencyReport{
		SessionID: sessionID,
		RequestID: requestID,
		stages:    make(map[string]float64),
	}
}

// Record stores elapsed for stage. It returns false if stage was already recorded.
func (r *LatencyReport) Record(stage string, elapsed time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stages[stage]; ok {
		return false
	}
	r.names = append(r.names, stage)
	r.stages[stage] = float64(elapsed) / float64(time.Millisecond)
	return true
}

// Measure starts a timer for stage; calling the returned func records and
// returns the elapsed time.
func (r *LatencyReport) Measure(stage string) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		elapsed := time.Since(start)
		r.Record(stage, elapsed)
		return elapsed
	}
}

// Names returns the recorded stage names in completion order.
func (r *LatencyReport) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// Stages returns a copy of the stage -> milliseconds mapping.
func (r *LatencyReport) Stages() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.stages))
	for k, v := range r.stages {
		out[k] = v
	}
	return out
}

// TotalMS is the sum of every recorded stage.
func (r *LatencyReport) TotalMS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total float64
	for _, v := range r.stages {
		total += v
	}
	return total
}

// MarshalJSON writes the stages as an object in completion order, rounded to
// two decimals.
func (r *LatencyReport) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(RoundMS(r.stages[name]), 'f', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// LogValue flattens the report into latency_<stage>_ms attributes.
func (r *LatencyReport) LogValue() slog.Value {
	names := r.Names()
	stages := r.Stages()

	attrs := make([]slog.Attr, 0, len(names)+1)
	for _, name := range names {
		attrs = append(attrs, slog.Float64("latency_"+name+"_ms", RoundMS(stages[name])))
	}
	attrs = append(attrs, slog.Float64("latency_total_ms", RoundMS(r.TotalMS())))
	return slog.GroupValue(attrs...)
}

// RoundMS rounds a millisecond value to two decimals.
func RoundMS(ms float64) float64 {
	return math.Round(ms*100) / 100
}
