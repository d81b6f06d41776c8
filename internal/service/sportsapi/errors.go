package sportsapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrCircuitOpen 熔断器打开，请求未发出
var ErrCircuitOpen = errors.New("sports api circuit breaker is open")

// APIError 上游返回非 2xx
type APIError struct {
	StatusCode int
	Path       string
	Body       string
	Transient  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sports api %s: status %d", e.Path, e.StatusCode)
}

func newAPIError(path string, status int, body string) *APIError {
	return &APIError{
		StatusCode: status,
		Path:       path,
		Body:       body,
		Transient:  status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
	}
}

// IsTransient 是否值得重试：网络错误、429、5xx
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
