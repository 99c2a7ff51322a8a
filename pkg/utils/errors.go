package utils

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// ErrorKind classifies every failure the core can produce. All kinds except
// KindFatal are locally recoverable and never terminate the process.
type ErrorKind int

const (
	KindMalformed ErrorKind = iota
	KindPolicyViolation
	KindSignatureMismatch
	KindConsensusTimeout
	KindCapacityExceeded
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "MALFORMED"
	case KindPolicyViolation:
		return "POLICY_VIOLATION"
	case KindSignatureMismatch:
		return "SIGNATURE_MISMATCH"
	case KindConsensusTimeout:
		return "CONSENSUS_TIMEOUT"
	case KindCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// MeshError carries the kind, originating component and retryability of a
// failure.
type MeshError struct {
	Kind      ErrorKind
	Component string
	Err       error
	Timestamp time.Time
}

func NewMeshError(kind ErrorKind, component string, err error) *MeshError {
	return &MeshError{
		Kind:      kind,
		Component: component,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *MeshError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Component, e.Kind, e.Err)
}

func (e *MeshError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the failed operation.
// Only consensus timeouts are retryable; fatal errors never are.
func (e *MeshError) Retryable() bool {
	return e.Kind == KindConsensusTimeout
}

// IsKind reports whether err is a MeshError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

type ErrorRecovery struct {
	maxRetries    int
	retryDelay    time.Duration
	errorHandlers map[string]func(error) error
	mu            sync.Mutex
}

func NewErrorRecovery(maxRetries int, retryDelay time.Duration) *ErrorRecovery {
	return &ErrorRecovery{
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		errorHandlers: make(map[string]func(error) error),
	}
}

func (er *ErrorRecovery) RegisterHandler(component string, handler func(error) error) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.errorHandlers[component] = handler
}

func (er *ErrorRecovery) RetryWithBackoff(operation func() error, component string) error {
	var lastErr error

	for attempt := 0; attempt <= er.maxRetries; attempt++ {
		if attempt > 0 {
			delay := er.retryDelay * time.Duration(1<<uint(attempt-1))
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			log.Printf("⏳ Retry attempt %d/%d for %s (delay: %v)", attempt, er.maxRetries, component, delay)
			time.Sleep(delay)
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Printf("✅ Recovery successful for %s after %d attempts", component, attempt)
			}
			return nil
		}

		if IsKind(err, KindFatal) {
			return err
		}

		lastErr = err

		er.mu.Lock()
		handler, exists := er.errorHandlers[component]
		er.mu.Unlock()
		if exists {
			if handlerErr := handler(err); handlerErr == nil {
				return nil
			}
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", er.maxRetries, lastErr)
}

// RecoverFromPanic converts a panic in a component goroutine into a logged
// error; no condition reachable from network input may kill the process.
func RecoverFromPanic(component string) {
	if r := recover(); r != nil {
		log.Printf("🚨 PANIC RECOVERED in %s: %v", component, r)
		log.Printf("Stack trace:\n%s", debug.Stack())
	}
}

func SafeGoroutine(component string, fn func()) {
	go func() {
		defer RecoverFromPanic(component)
		fn()
	}()
}

type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string
	halfOpenMax   int
	halfOpenTries int
	mu            sync.Mutex
}

func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        "closed",
		halfOpenMax:  3,
	}
}

func (cb *CircuitBreaker) Call(operation func() error) error {
	cb.mu.Lock()
	if cb.state == "open" {
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			log.Printf("🔄 Circuit breaker %s: OPEN -> HALF-OPEN", cb.name)
			cb.state = "half-open"
			cb.halfOpenTries = 0
		} else {
			cb.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is OPEN", cb.name)
		}
	}
	cb.mu.Unlock()

	err := operation()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == "half-open" {
			log.Printf("⚠️  Circuit breaker %s: HALF-OPEN -> OPEN (failure during test)", cb.name)
			cb.state = "open"
			return fmt.Errorf("circuit breaker %s reopened: %w", cb.name, err)
		}

		if cb.failures >= cb.maxFailures {
			log.Printf("🔴 Circuit breaker %s: CLOSED -> OPEN (%d failures)", cb.name, cb.failures)
			cb.state = "open"
		}

		return err
	}

	if cb.state == "half-open" {
		cb.halfOpenTries++
		if cb.halfOpenTries >= cb.halfOpenMax {
			log.Printf("✅ Circuit breaker %s: HALF-OPEN -> CLOSED (recovery confirmed)", cb.name)
			cb.state = "closed"
			cb.failures = 0
		}
	} else if cb.state == "closed" {
		cb.failures = 0
	}

	return nil
}

func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "closed"
	cb.failures = 0
	cb.halfOpenTries = 0
	log.Printf("🔄 Circuit breaker %s manually reset", cb.name)
}
