package core

// Logger is any leveled logging service.
//
// Implementations may inspect args for well-known types (errors, request
// metadata) and forward them to an error tracking backend.
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
