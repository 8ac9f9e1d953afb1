package firehose

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New(nil, "agent-events")
	require.Error(t, err)

	_, err = New([]string{"localhost:9092"}, "")
	require.Error(t, err)
}

func TestNewRecord(t *testing.T) {
	t.Parallel()
	env := bus.Envelope{
		JobID: "j1", ConversationID: "c1", Type: "event",
		Data: map[string]any{"kind": "tool_call", "summary": "read_file ok"},
	}
	rec, err := newRecord("agent-events", env)
	require.NoError(t, err)

	assert.Equal(t, "agent-events", rec.Topic)
	assert.Equal(t, []byte("j1"), rec.Key, "job id keys the partition for per-job order")

	var decoded bus.Envelope
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, "j1", decoded.JobID)
	assert.Equal(t, "event", decoded.Type)

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "j1", headers["job_id"])
	assert.Equal(t, "c1", headers["conversation_id"])
	assert.Equal(t, "event", headers["type"])
}

func TestNewRecord_NoConversationHeader(t *testing.T) {
	t.Parallel()
	rec, err := newRecord("agent-events", bus.Envelope{JobID: "j1", Type: "status"})
	require.NoError(t, err)
	require.Len(t, rec.Headers, 2)
}
