package logging

// ContextError attaches the failing operation to an error so log lines can
// name where a failure happened without losing the cause chain.
type ContextError struct {
	Op  string
	Err error
}

func (e *ContextError) Error() string {
	if e.Op != "" && e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

func WrapError(op string, err error) *ContextError {
	if err == nil {
		return nil
	}
	return &ContextError{Op: op, Err: err}
}
