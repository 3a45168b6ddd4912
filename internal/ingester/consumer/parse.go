package consumer

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/loghouse/loghouse/internal/ingester/model"
)

var json = jsoniter.ConfigFastest

// payload is the flat JSON object carried in the stream's data field.
// Unknown keys are ignored.
type payload struct {
	AppID       string `json:"appId"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	Level       string `json:"level"`
	Environment string `json:"environment"`
	Metadata    string `json:"metadataString"`
	TraceID     string `json:"traceId"`
	UserID      string `json:"userId"`
}

// parseEntry decodes a stream payload into a LogEntry, applying the field
// defaults of the logs schema.  A level outside the table enum is coerced to
// INFO rather than treated as a parse error.
func parseEntry(data, upstreamID string) (model.LogEntry, error) {
	var p payload
	if err := json.UnmarshalFromString(data, &p); err != nil {
		return model.LogEntry{}, errors.WithMessage(err, "malformed log payload")
	}

	level := p.Level
	if !model.ValidLevel(level) {
		level = model.LevelInfo
	}

	return model.LogEntry{
		AppID:       defaultIfEmpty(p.AppID, "unknown"),
		Message:     defaultIfEmpty(p.Message, "empty"),
		Source:      defaultIfEmpty(p.Source, "unknown"),
		Level:       level,
		Environment: defaultIfEmpty(p.Environment, "development"),
		Metadata:    defaultIfEmpty(p.Metadata, "{}"),
		TraceID:     p.TraceID,
		UserID:      p.UserID,
		UpstreamID:  upstreamID,
	}, nil
}

func defaultIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
