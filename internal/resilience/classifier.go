// Package resilience classifies failures into a fixed taxonomy, retries
// retryable operations under bounded exponential backoff, and exposes
// graceful-degradation strategies for unavailable dependencies.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrorType is the failure taxonomy.
type ErrorType string

const (
	TypeConnectionFailed     ErrorType = "CONNECTION_FAILED"
	TypeTimeout              ErrorType = "TIMEOUT"
	TypeServiceUnavailable   ErrorType = "SERVICE_UNAVAILABLE"
	TypeAuthenticationFailed ErrorType = "AUTHENTICATION_FAILED"
	TypeRateLimited          ErrorType = "RATE_LIMITED"
	TypeModelUnavailable     ErrorType = "MODEL_UNAVAILABLE"
	TypeInvalidResponse      ErrorType = "INVALID_RESPONSE"
	TypeResourceExhausted    ErrorType = "RESOURCE_EXHAUSTED"
	TypeUnknown              ErrorType = "UNKNOWN"
)

// Severity grades a classified error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StatusError is a response-bearing failure: the transport worked but the
// peer answered with a non-success status. Classification branches on the
// code.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected response: %s", e.Status)
	}
	return fmt.Sprintf("unexpected response status %d", e.StatusCode)
}

// Classified is an immutable classification of one failure.
type Classified struct {
	Type      ErrorType
	Retryable bool
	Severity  Severity
	Operation string
	Cause     error
	At        time.Time
}

// Error implements error.
func (c *Classified) Error() string {
	if c.Operation != "" {
		return fmt.Sprintf("%s during %s: %v", c.Type, c.Operation, c.Cause)
	}
	return fmt.Sprintf("%s: %v", c.Type, c.Cause)
}

// Unwrap exposes the underlying error.
func (c *Classified) Unwrap() error { return c.Cause }

// Statistics summarizes recorded failures.
type Statistics struct {
	Total  int64
	ByType map[ErrorType]int64
	Recent []*Classified
}

// Classifier classifies errors and keeps bounded diagnostics: a ring buffer
// of recent classifications plus per-type counters.
type Classifier struct {
	mu       sync.Mutex
	ring     []*Classified
	ringNext int
	ringLen  int
	counters map[ErrorType]int64
	total    int64
}

// defaultRingSize bounds the diagnostics ring buffer.
const defaultRingSize = 100

// NewClassifier creates a classifier with the default diagnostics bound.
func NewClassifier() *Classifier {
	return NewClassifierWithCapacity(defaultRingSize)
}

// NewClassifierWithCapacity creates a classifier whose diagnostics ring
// holds at most capacity entries.
func NewClassifierWithCapacity(capacity int) *Classifier {
	if capacity < 1 {
		capacity = 1
	}
	return &Classifier{
		ring:     make([]*Classified, capacity),
		counters: make(map[ErrorType]int64),
	}
}

// Classify classifies err without recording it.
//
// Rules, in order: response status codes when the failure carries a
// response; transport-level causes when it does not; message substrings as
// a last resort.
func (c *Classifier) Classify(err error, operation string) *Classified {
	out := &Classified{Operation: operation, Cause: err, At: time.Now()}

	var status *StatusError
	switch {
	case errors.As(err, &status):
		out.Type, out.Retryable, out.Severity = classifyStatus(status.StatusCode)
	case isTransportError(err):
		out.Type, out.Retryable, out.Severity = classifyTransport(err)
	default:
		out.Type, out.Retryable, out.Severity = classifyMessage(err)
	}
	return out
}

// Record classifies err and adds it to the diagnostics.
func (c *Classifier) Record(err error, operation string) *Classified {
	classified := c.Classify(err, operation)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.ringNext] = classified
	c.ringNext = (c.ringNext + 1) % len(c.ring)
	if c.ringLen < len(c.ring) {
		c.ringLen++
	}
	c.counters[classified.Type]++
	c.total++
	return classified
}

// Statistics returns a copy of the recorded diagnostics, oldest first.
func (c *Classifier) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Statistics{
		Total:  c.total,
		ByType: make(map[ErrorType]int64, len(c.counters)),
		Recent: make([]*Classified, 0, c.ringLen),
	}
	for t, n := range c.counters {
		stats.ByType[t] = n
	}
	start := c.ringNext - c.ringLen
	for i := 0; i < c.ringLen; i++ {
		idx := (start + i + len(c.ring)) % len(c.ring)
		stats.Recent = append(stats.Recent, c.ring[idx])
	}
	return stats
}

// ClearDiagnostics drops the ring buffer and counters.
func (c *Classifier) ClearDiagnostics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = make([]*Classified, len(c.ring))
	c.ringNext = 0
	c.ringLen = 0
	c.counters = make(map[ErrorType]int64)
	c.total = 0
}

func classifyStatus(code int) (ErrorType, bool, Severity) {
	switch {
	case code == 401 || code == 403:
		return TypeAuthenticationFailed, false, SeverityCritical
	case code == 429:
		return TypeRateLimited, true, SeverityMedium
	case code == 404:
		return TypeModelUnavailable, true, SeverityHigh
	case code >= 500:
		return TypeServiceUnavailable, true, SeverityHigh
	default:
		return TypeUnknown, false, SeverityLow
	}
}

func classifyTransport(err error) (ErrorType, bool, Severity) {
	switch {
	case isConnectionRefused(err):
		return TypeConnectionFailed, true, SeverityHigh
	case isTimeout(err):
		return TypeTimeout, true, SeverityMedium
	default:
		return TypeServiceUnavailable, true, SeverityHigh
	}
}

func classifyMessage(err error) (ErrorType, bool, Severity) {
	if err == nil {
		return TypeUnknown, false, SeverityLow
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "model"):
		return TypeModelUnavailable, true, SeverityHigh
	case strings.Contains(msg, "timeout"):
		return TypeTimeout, true, SeverityMedium
	case strings.Contains(msg, "parse") || strings.Contains(msg, "json"):
		return TypeInvalidResponse, false, SeverityLow
	default:
		return TypeUnknown, false, SeverityLow
	}
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	var opErr *net.OpError
	var netErr net.Error
	return errors.As(err, &urlErr) ||
		errors.As(err, &opErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
