package api

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrEmptyCredentials = errors.New("username and password are required")

// APIError is a non-2xx response from the API. The body follows the
// server's {error, code, message} error format when present.
type APIError struct {
	StatusCode int    `json:"code"`
	Status     string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
