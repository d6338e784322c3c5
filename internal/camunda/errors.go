package camunda

import (
	"errors"
	"fmt"
)

// ErrTransport marks failures where the engine could not be reached or the
// exchange broke before a response was read.
var ErrTransport = errors.New("engine transport error")

// ErrEncode marks output variables that cannot be represented as engine
// typed values. Nothing was sent when it is returned.
var ErrEncode = errors.New("variable encoding failed")

// EngineError is a non-2xx response from the engine.
type EngineError struct {
	Status  int
	Type    string
	Message string
}

func (e *EngineError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("engine returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("engine returned %d (%s): %s", e.Status, e.Type, e.Message)
}

// IsNotFound reports whether err is an engine 404, which the engine returns for
// tasks that no longer exist.
func IsNotFound(err error) bool {
	var engErr *EngineError
	return errors.As(err, &engErr) && engErr.Status == 404
}
