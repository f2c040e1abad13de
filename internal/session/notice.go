package session

import "log/slog"

const noticeBuffer = 16

// NoticeLevel grades a notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarn
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarn:
		return "warn"
	case NoticeError:
		return "error"
	}
	return "info"
}

// Notice is a short message meant for the operator.
type Notice struct {
	Level   NoticeLevel
	Message string
	Err     error
}

func (s *Session) notify(level NoticeLevel, msg string, err error) {
	select {
	case s.notices <- Notice{Level: level, Message: msg, Err: err}:
	default:
		slog.Debug("[SESSION] notice dropped", "message", msg)
	}
}
