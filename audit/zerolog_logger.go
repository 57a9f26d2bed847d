package audit

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologLogger writes audit events as structured log lines. Useful when
// audit records are collected from the process output. It cannot be queried.
type ZerologLogger struct {
	namespace string
	log       zerolog.Logger
}

func NewZerologLogger(config *Config, w io.Writer) *ZerologLogger {
	return &ZerologLogger{
		namespace: config.Namespace,
		log:       zerolog.New(w).With().Timestamp().Str("component", "audit").Logger(),
	}
}

func (z *ZerologLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(z.namespace, action, success, metadata)

	entry := z.log.Info()
	if !success {
		entry = z.log.Warn()
	}
	entry.
		Str("event_id", event.ID).
		Str("namespace", event.Namespace).
		Str("action", event.Action).
		Bool("success", event.Success).
		Str("request_id", event.RequestID).
		Str("identity", event.Identity)
	if event.SecretID != "" {
		entry.Str("secret_id", event.SecretID)
	}
	if event.TestamentID != "" {
		entry.Str("testament_id", event.TestamentID)
	}
	if event.Error != "" {
		entry.Str("error", event.Error)
	}
	if event.Duration > 0 {
		entry.Int64("duration_ms", event.Duration)
	}
	entry.Msg("audit")
	return nil
}

func (z *ZerologLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, errQueryUnsupported
}

func (z *ZerologLogger) Close() error {
	return nil
}
