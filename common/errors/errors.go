// Package errors is a chained-error helper in the style the rest of the
// data plane uses: errors.New("...").Base(inner).AtWarning().
package errors

import (
	"strings"

	"github.com/xtls/vlesstun/common/log"
)

// Error is an error value that can carry an inner cause and a severity.
type Error struct {
	message  string
	inner    error
	severity log.Severity
	raw      []byte
}

func (e *Error) Error() string {
	b := strings.Builder{}
	b.WriteString(e.message)
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

// Unwrap allows errors.Is / errors.As to see through the chain.
func (e *Error) Unwrap() error {
	return e.inner
}

// Base attaches the underlying cause.
func (e *Error) Base(inner error) *Error {
	e.inner = inner
	return e
}

// Raw attaches the original bytes a non-fatal decode failure consumed, for
// callers that need to recover them afterward (e.g. Reality's
// decryption_failed signal, which Vision's direct-copy reader passes
// through unchanged rather than treating as fatal — spec §4.5, §7).
func (e *Error) Raw(b []byte) *Error {
	e.raw = b
	return e
}

// RawBytes returns the bytes attached via Raw, or nil.
func (e *Error) RawBytes() []byte {
	return e.raw
}

// Severity returns this error's own severity: SeverityInfo unless one of
// the At* methods set it. Inner errors in the chain are not consulted.
func (e *Error) Severity() log.Severity {
	return e.severity
}

func (e *Error) AtDebug() *Error   { e.severity = log.SeverityDebug; return e }
func (e *Error) AtInfo() *Error    { e.severity = log.SeverityInfo; return e }
func (e *Error) AtWarning() *Error { e.severity = log.SeverityWarning; return e }
func (e *Error) AtError() *Error   { e.severity = log.SeverityError; return e }

// WriteToLog emits the error through the registered log handler.
func (e *Error) WriteToLog() {
	log.Record(e.severity, e.Error())
}

// New builds an Error from the given parts, concatenated as with fmt.Sprint.
func New(values ...interface{}) *Error {
	return &Error{message: concat(values), severity: log.SeverityInfo}
}

func concat(values []interface{}) string {
	b := strings.Builder{}
	for _, v := range values {
		if s, ok := v.(string); ok {
			b.WriteString(s)
			continue
		}
		b.WriteString(toString(v))
	}
	return b.String()
}

func toString(v interface{}) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return fmtSprint(v)
}
