package models

import "time"

// AuditLog is one persisted audit entry for a broker request or security event.
type AuditLog struct {
	ID           int64
	Time         time.Time
	Severity     string
	Event        string
	Outcome      string
	Code         *string
	Endpoint     *string
	Mode         *string
	SessionID    *string
	RequestID    *string
	ClientIP     *string
	ProcessingMs int64
	Cached       bool
}
