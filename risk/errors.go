package risk

import "fmt"

// ValidationError reports a malformed intent or order. It rejects the
// order only and never affects the emergency stop.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Msg)
}
