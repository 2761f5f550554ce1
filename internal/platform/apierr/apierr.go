package apierr

import "fmt"

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatusCode satisfies httpx.HTTPStatusCoder so retry helpers can
// classify an *Error by the status code it carries.
func (e *Error) HTTPStatusCode() int { return e.Status }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Newf builds an *Error from a raw HTTP status and response body, the shape
// produced by HTTP clients (graph service, LLM provider) for non-2xx
// responses.
func Newf(status int, body string) *Error {
	return &Error{Status: status, Err: fmt.Errorf("http %d: %s", status, body)}
}
