package models

import "time"

type LogLevel string

const (
	InfoLogLevel   LogLevel = "INFO"
	ErrorLogLevel  LogLevel = "ERROR"
	DebugLogLevel  LogLevel = "DEBUG"
	SystemLogLevel LogLevel = "SYSTEM"
)

// TaskLog is an append-only audit record tied to exactly one task. It is
// never read back into control flow.
type TaskLog struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
