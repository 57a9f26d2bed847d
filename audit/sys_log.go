//go:build !windows && !plan9

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
)

var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"` // "tcp", "udp", ""
	Address  string `json:"address"` // "localhost:514"
	Priority int    `json:"priority"`
	Tag      string `json:"tag"`
}

// SyslogLogger forwards audit events to syslog. It is write only.
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
}

// NewSyslogLogger creates a new syslog audit logger with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		switch config.LogLevel {
		case "error":
			syslogOpts.Priority = int(syslog.LOG_ERR | syslog.LOG_AUTH)
		case "warn":
			syslogOpts.Priority = int(syslog.LOG_WARNING | syslog.LOG_AUTH)
		default:
			syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_AUTH)
		}
	}
	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "heirloom-audit"
	}

	var writer *syslog.Writer
	var err error
	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
	}, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(s.config.Namespace, action, success, metadata)
	if event.Source == "" {
		event.Source = "heirloom"
	}
	return s.writeEvent(event)
}

func (s *SyslogLogger) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// Query is not supported: syslog keeps no history we can read back.
func (s *SyslogLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) writeEvent(event Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	logMessage := "HEIRLOOM_AUDIT: " + string(eventJSON)

	switch {
	case !event.Success && event.Error != "":
		return s.writer.Err(logMessage)
	case !event.Success:
		return s.writer.Warning(logMessage)
	case isSecurityCriticalAction(event.Action):
		return s.writer.Notice(logMessage)
	case s.config.LogLevel == "error" || s.config.LogLevel == "warn":
		return nil
	default:
		return s.writer.Info(logMessage)
	}
}

func isSecurityCriticalAction(action string) bool {
	switch action {
	case ReleaseAction,
		"DERIVE_WRAPPING_KEY_COMPLETED",
		"GET_INHERITED_SECRET_COMPLETED",
		"DELETE_USER_COMPLETED":
		return true
	}
	return false
}
