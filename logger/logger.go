package logger

// Logger is the minimal structured logging interface the resolver uses.
// Implementations accept alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation id for each evaluation. It must be
// cheap and safe for concurrent calls.
type TraceIDFunc func() string

// Nop discards everything.
type Nop struct{}

func (Nop) Debug(string, ...any) {}
func (Nop) Info(string, ...any)  {}
func (Nop) Error(string, ...any) {}
