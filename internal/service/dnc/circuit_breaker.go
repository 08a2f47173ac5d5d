package dnc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the breaker position
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// ErrCircuitBreakerOpen is returned without calling the protected function
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the circuit
	SuccessThreshold int           // Half-open successes that close it again
	Timeout          time.Duration // Time spent open before probing
	MaxRequests      int           // Concurrent probes allowed while half-open
}

// CircuitBreaker stops calling a failing dependency for a cool-down period
// so callers fail fast instead of waiting on timeouts.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  func() time.Time

	state     int32 // atomic
	failures  int64 // atomic: consecutive failures while closed
	successes int64 // atomic: successes while half-open
	inFlight  int64 // atomic: probes while half-open
	openedAt  int64 // atomic: unix nano

	mutex         sync.RWMutex
	onStateChange func(from, to CircuitState)
}

// CircuitBreakerStats is a point-in-time view of the breaker
type CircuitBreakerStats struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	HalfOpenSuccesses   int64        `json:"half_open_successes"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}

	return &CircuitBreaker{
		config: config,
		clock:  time.Now,
		state:  stateClosed,
	}
}

// Execute runs fn through the breaker. Every error fn returns counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	halfOpen, ok := cb.allowRequest()
	if !ok {
		return ErrCircuitBreakerOpen
	}

	err := fn(ctx)

	if halfOpen {
		atomic.AddInt64(&cb.inFlight, -1)
	}
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

// GetState returns the current circuit state
func (cb *CircuitBreaker) GetState() CircuitState {
	switch atomic.LoadInt32(&cb.state) {
	case stateOpen:
		return CircuitOpen
	case stateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	stats := CircuitBreakerStats{
		State:               cb.GetState(),
		ConsecutiveFailures: atomic.LoadInt64(&cb.failures),
		HalfOpenSuccesses:   atomic.LoadInt64(&cb.successes),
	}
	if stats.State != CircuitClosed {
		opened := time.Unix(0, atomic.LoadInt64(&cb.openedAt)).UTC()
		stats.OpenedAt = &opened
	}
	return stats
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	old := cb.GetState()
	atomic.StoreInt32(&cb.state, stateClosed)
	atomic.StoreInt64(&cb.failures, 0)
	atomic.StoreInt64(&cb.successes, 0)
	atomic.StoreInt64(&cb.inFlight, 0)

	if old != CircuitClosed {
		cb.notifyStateChange(old, CircuitClosed)
	}
}

// SetStateChangeCallback sets a callback for state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(from, to CircuitState)) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = callback
}

// allowRequest decides whether a call may proceed and whether it is a half-open probe
func (cb *CircuitBreaker) allowRequest() (halfOpen bool, ok bool) {
	switch atomic.LoadInt32(&cb.state) {
	case stateClosed:
		return false, true

	case stateOpen:
		opened := time.Unix(0, atomic.LoadInt64(&cb.openedAt))
		if cb.clock().Sub(opened) < cb.config.Timeout {
			return false, false
		}
		if atomic.CompareAndSwapInt32(&cb.state, stateOpen, stateHalfOpen) {
			atomic.StoreInt64(&cb.successes, 0)
			atomic.StoreInt64(&cb.inFlight, 0)
			cb.notifyStateChange(CircuitOpen, CircuitHalfOpen)
		}
		return cb.tryProbe()

	case stateHalfOpen:
		return cb.tryProbe()

	default:
		return false, false
	}
}

func (cb *CircuitBreaker) tryProbe() (bool, bool) {
	if atomic.AddInt64(&cb.inFlight, 1) > int64(cb.config.MaxRequests) {
		atomic.AddInt64(&cb.inFlight, -1)
		return false, false
	}
	return true, true
}

func (cb *CircuitBreaker) recordFailure() {
	switch atomic.LoadInt32(&cb.state) {
	case stateHalfOpen:
		cb.trip(stateHalfOpen, CircuitHalfOpen)
	case stateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= int64(cb.config.FailureThreshold) {
			cb.trip(stateClosed, CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch atomic.LoadInt32(&cb.state) {
	case stateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case stateHalfOpen:
		if atomic.AddInt64(&cb.successes, 1) >= int64(cb.config.SuccessThreshold) {
			if atomic.CompareAndSwapInt32(&cb.state, stateHalfOpen, stateClosed) {
				atomic.StoreInt64(&cb.failures, 0)
				atomic.StoreInt64(&cb.successes, 0)
				cb.notifyStateChange(CircuitHalfOpen, CircuitClosed)
			}
		}
	}
}

func (cb *CircuitBreaker) trip(from int32, fromState CircuitState) {
	if atomic.CompareAndSwapInt32(&cb.state, from, stateOpen) {
		atomic.StoreInt64(&cb.openedAt, cb.clock().UnixNano())
		cb.notifyStateChange(fromState, CircuitOpen)
	}
}

// notifyStateChange runs the callback synchronously; callbacks must be cheap
func (cb *CircuitBreaker) notifyStateChange(from, to CircuitState) {
	cb.mutex.RLock()
	callback := cb.onStateChange
	cb.mutex.RUnlock()
	if callback != nil {
		callback(from, to)
	}
}
