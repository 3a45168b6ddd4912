package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghouse/loghouse/internal/ingester/model"
)

func TestParseEntryAllFields(t *testing.T) {
	data := `{"appId":"shop","message":"checkout failed","source":"api","level":"ERROR",` +
		`"environment":"production","metadataString":"{\"orderId\":\"42\"}","traceId":"t-1","userId":"u-1"}`

	entry, err := parseEntry(data, "1-0")
	require.NoError(t, err)

	assert.Equal(t, "shop", entry.AppID)
	assert.Equal(t, "checkout failed", entry.Message)
	assert.Equal(t, "api", entry.Source)
	assert.Equal(t, model.LevelError, entry.Level)
	assert.Equal(t, "production", entry.Environment)
	assert.Equal(t, `{"orderId":"42"}`, entry.Metadata)
	assert.Equal(t, "t-1", entry.TraceID)
	assert.Equal(t, "u-1", entry.UserID)
	assert.Equal(t, "1-0", entry.UpstreamID)
}

func TestParseEntryAppliesDefaults(t *testing.T) {
	entry, err := parseEntry(`{}`, "1-0")
	require.NoError(t, err)

	assert.Equal(t, "unknown", entry.AppID)
	assert.Equal(t, "empty", entry.Message)
	assert.Equal(t, "unknown", entry.Source)
	assert.Equal(t, model.LevelInfo, entry.Level)
	assert.Equal(t, "development", entry.Environment)
	assert.Equal(t, "{}", entry.Metadata)
	assert.Empty(t, entry.TraceID)
	assert.Empty(t, entry.UserID)
}

func TestParseEntryCoercesUnknownLevel(t *testing.T) {
	entry, err := parseEntry(`{"level":"VERBOSE"}`, "1-0")
	require.NoError(t, err)
	assert.Equal(t, model.LevelInfo, entry.Level)

	entry, err = parseEntry(`{"level":"debug"}`, "1-0")
	require.NoError(t, err)
	assert.Equal(t, model.LevelInfo, entry.Level)

	entry, err = parseEntry(`{"level":"FATAL"}`, "1-0")
	require.NoError(t, err)
	assert.Equal(t, model.LevelFatal, entry.Level)
}

func TestParseEntryIgnoresUnknownKeys(t *testing.T) {
	entry, err := parseEntry(`{"appId":"shop","totally":"unknown"}`, "1-0")
	require.NoError(t, err)
	assert.Equal(t, "shop", entry.AppID)
}

func TestParseEntryRejectsMalformedPayload(t *testing.T) {
	_, err := parseEntry(`not json at all`, "1-0")
	assert.Error(t, err)
}
