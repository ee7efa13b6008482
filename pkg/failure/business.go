package failure

// BusinessError is an error raised by an implementation itself. It crosses the
// remote boundary unchanged, so callers see the same value whether the
// implementation ran locally or remotely.
type BusinessError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *BusinessError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewBusinessError creates a BusinessError.
func NewBusinessError(code, message string) *BusinessError {
	return &BusinessError{Code: code, Message: message}
}
