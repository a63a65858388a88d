package operator

// UserError is an error a plugin chooses to show to users verbatim. The
// worker propagates its message unchanged instead of wrapping it as an
// internal failure.
type UserError struct {
	Message string
}

// NewUserError wraps a user-facing message into an error.
func NewUserError(message string) *UserError {
	return &UserError{Message: message}
}

func (e *UserError) Error() string {
	return e.Message
}
