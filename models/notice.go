package models

import "time"

// NoticeLevel is the severity of a user-visible notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a dismissible message for the user. Engines publish notices
// instead of failing the caller for recoverable conditions.
type Notice struct {
	Level   NoticeLevel
	Source  string
	Message string
	Err     error
	At      time.Time
}
