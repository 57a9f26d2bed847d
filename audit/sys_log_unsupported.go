//go:build windows || plan9

package audit

import "fmt"

type SyslogLogger struct{}

func NewSyslogLogger(*Config) (*SyslogLogger, error) {
	return nil, fmt.Errorf("syslog audit is not available on this platform")
}

func (s *SyslogLogger) Log(string, bool, map[string]interface{}) error { return nil }

func (s *SyslogLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) Close() error { return nil }
