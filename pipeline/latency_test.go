package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyReport_RecordIsWriteOnce(t *testing.T) {
	r := NewLatencyReport("sess", "req")

	assert.True(t, r.Record("stt", 10*time.Millisecond))
	assert.False(t, r.Record("stt", 99*time.Millisecond))

	assert.Equal(t, 10.0, r.Stages()["stt"])
}

func TestLatencyReport_OrderAndTotal(t *testing.T) {
	r := NewLatencyReport("sess", "req")
	r.Record("stt", 1500*time.Microsecond)
	r.Record("stt_retry1", 2*time.Millisecond)
	r.Record("llm", 3*time.Millisecond)

	assert.Equal(t, []string{"stt", "stt_retry1", "llm"}, r.Names())
	assert.InDelta(t, 6.5, r.TotalMS(), 1e-9)
}

func TestLatencyReport_MarshalJSONKeepsOrder(t *testing.T) {
	r := NewLatencyReport("sess", "req")
	r.Record("tts", 3*time.Millisecond)
	r.Record("llm", 1234567*time.Nanosecond)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"tts":3,"llm":1.23}`, string(data))

	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded, 2)
}

func TestLatencyReport_EmptyMarshal(t *testing.T) {
	data, err := json.Marshal(NewLatencyReport("", ""))
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestLatencyReport_Measure(t *testing.T) {
	r := NewLatencyReport("sess", "req")
	stop := r.Measure("stt")
	time.Sleep(2 * time.Millisecond)
	elapsed := stop()

	assert.GreaterOrEqual(t, elapsed, 2*time.Millisecond)
	assert.GreaterOrEqual(t, r.Stages()["stt"], 2.0)
}

func TestLatencyReport_StagesIsCopy(t *testing.T) {
	r := NewLatencyReport("sess", "req")
	r.Record("stt", time.Millisecond)

	s := r.Stages()
	s["stt"] = 1000
	s["bogus"] = 1

	assert.Equal(t, 1.0, r.Stages()["stt"])
	assert.NotContains(t, r.Stages(), "bogus")
}
