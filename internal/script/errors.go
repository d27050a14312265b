package script

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorType classifies a ScriptError.
type ErrorType string

const (
	ErrorTypeSyntax  ErrorType = "syntax"
	ErrorTypeRuntime ErrorType = "runtime"
	ErrorTypeAPI     ErrorType = "api"
)

var (
	// ErrSyntax matches any ScriptError of type syntax via errors.Is.
	ErrSyntax = &ScriptError{Type: ErrorTypeSyntax}
	// ErrRuntime matches any ScriptError of type runtime via errors.Is.
	ErrRuntime = &ScriptError{Type: ErrorTypeRuntime}

	ErrEngineClosed = errors.New("script engine is closed")
	ErrReleased     = errors.New("function reference already released")
	ErrNotCallable  = errors.New("value is not callable")
	ErrUnsupported  = errors.New("unsupported value type")
)

// ScriptError carries the details of a failed Lua load or call.
type ScriptError struct {
	Type       ErrorType
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *ScriptError) Error() string {
	var where []string
	if e.Source != "" {
		where = append(where, "in "+e.Source)
	}
	if e.Line > 0 {
		where = append(where, fmt.Sprintf("line %d", e.Line))
	}

	prefix := fmt.Sprintf("Lua %s error", e.Type)
	if len(where) > 0 {
		prefix = fmt.Sprintf("%s (%s)", prefix, strings.Join(where, ", "))
	}
	return prefix + ": " + e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is a ScriptError of the same Type.
func (e *ScriptError) Is(target error) bool {
	var other *ScriptError
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Type == other.Type
}

// Lua messages look like `[string "..."]:12: attempt to call a nil value`.
var luaLocation = regexp.MustCompile(`^(.*?):(\d+): (.*)$`)

func newScriptError(typ ErrorType, source string, err error) *ScriptError {
	msg := "unknown Lua error"
	if err != nil {
		msg = err.Error()
	}
	// Only the first line carries the location, the rest is a traceback.
	first, _, _ := strings.Cut(msg, "\n")

	se := &ScriptError{Type: typ, Message: first, Source: source, Underlying: err}
	if m := luaLocation.FindStringSubmatch(first); m != nil {
		if line, convErr := strconv.Atoi(m[2]); convErr == nil {
			se.Line = line
			se.Message = m[3]
		}
	}
	return se
}
