package config

import "fmt"

// FieldError reports an invalid configuration value. Callers detect it with
// errors.As; the field name is what the CLI prints before exiting non-zero.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}
