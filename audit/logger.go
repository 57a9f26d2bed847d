package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled   bool                   `json:"enabled"`
	Namespace string                 `json:"namespace"`
	Type      ConfigType             `json:"type"`    // "file", "syslog", "log"
	Options   map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel  string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	LogAuditType    ConfigType = "log"
	NoOp            ConfigType = ""
)

var errQueryUnsupported = errors.New("audit backend does not support queries")

// ReleaseAction is the action recorded when a testament is released.
const ReleaseAction = "TESTAMENT_RELEASED"

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event. Well known metadata keys are lifted
// into their own fields so they can be filtered on.
type Event struct {
	ID          string                 `json:"id"`
	RequestID   string                 `json:"request_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Namespace   string                 `json:"namespace"`
	Action      string                 `json:"action"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Identity    string                 `json:"identity,omitempty"`
	SecretID    string                 `json:"secret_id,omitempty"`
	TestamentID string                 `json:"testament_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Duration    int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Namespace    string
	Since        *time.Time
	Until        *time.Time
	Action       string
	Success      *bool // nil = all, true = only success, false = only failures
	Identity     string
	SecretID     string
	TestamentID  string
	Limit        int
	Offset       int
	ReleasesOnly bool
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case LogAuditType:
		return NewZerologLogger(config, os.Stderr), nil
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an event, lifting well known metadata keys.
func newEvent(namespace, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Namespace: namespace,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	if metadata == nil {
		return event
	}

	event.RequestID = stringField(metadata, "request_id")
	event.Identity = stringField(metadata, "identity")
	event.SecretID = stringField(metadata, "secret_id")
	event.TestamentID = stringField(metadata, "testament_id")
	event.Error = stringField(metadata, "error")
	event.Source = stringField(metadata, "source")

	switch d := metadata["duration_ms"].(type) {
	case int64:
		event.Duration = d
	case int:
		event.Duration = int64(d)
	case float64:
		event.Duration = int64(d)
	}
	return event
}

func stringField(metadata map[string]interface{}, key string) string {
	switch v := metadata[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Namespace != "" && event.Namespace != options.Namespace {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.ReleasesOnly && event.Action != ReleaseAction {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.Identity != "" && event.Identity != options.Identity {
		return false
	}
	if options.SecretID != "" && event.SecretID != options.SecretID {
		return false
	}
	if options.TestamentID != "" && event.TestamentID != options.TestamentID {
		return false
	}
	return true
}

// page applies offset and limit to events already sorted newest first.
func page(events []Event, options QueryOptions, total int) QueryResult {
	start := options.Offset
	if start > len(events) {
		start = len(events)
	}
	end := len(events)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}
	return QueryResult{
		Events:     events[start:end],
		TotalCount: total,
		Filtered:   len(events),
		HasMore:    end < len(events),
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return fmt.Sprintf("%d_%d", time.Now().UnixNano(), os.Getpid())
}
