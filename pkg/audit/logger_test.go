package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesPrefixedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorderWithWriter(&buf)

	err := r.Record(context.Background(), "submit", "tx-1", "ctx-1", "SUBMIT", map[string]any{"slot": 42})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	require.True(t, strings.HasSuffix(line, "\n"))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "submit", event.Stage)
	assert.Equal(t, "tx-1", event.TxID)
	assert.Equal(t, "ctx-1", event.ContextID)
	assert.Equal(t, "SUBMIT", event.State)
	assert.Equal(t, float64(42), event.Metadata["slot"])
	assert.False(t, event.Timestamp.IsZero())
}

func TestRecordOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorderWithWriter(&buf)

	require.NoError(t, r.Record(context.Background(), "create", "tx-1", "ctx-1", "NEW", nil))
	require.NoError(t, r.Record(context.Background(), "dry_run", "tx-1", "ctx-1", "DRY_RUN", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "AUDIT: "))
	}
}

func TestNilMetadataOmitted(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorderWithWriter(&buf)

	require.NoError(t, r.Record(context.Background(), "create", "tx-1", "ctx-1", "NEW", nil))
	assert.NotContains(t, buf.String(), "metadata")
}
