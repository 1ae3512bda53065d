package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned when results are not forwarded because the
// remote has been failing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CircuitBreaker stops calls to a failing remote for a cool-down period.
// It is safe for concurrent use; in the half-open state exactly one probe
// is let through.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker.
// maxFailures: Number of consecutive failures before opening the circuit.
// timeout: Duration to wait before attempting to half-open the circuit.
func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
	breakerState.Set(float64(StateClosed))
	return cb
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// Success records a successful operation.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// Failure records a failed operation.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.probing = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s State) {
	if s != cb.state {
		log.Warn().Stringer("from", cb.state).Stringer("to", s).Msg("Circuit breaker state change")
	}
	cb.state = s
	breakerState.Set(float64(s))
}

// Putter stores records in a remote dataset.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// Forwarder ships attention results to a remote dataset behind a circuit
// breaker. Results are dropped, not queued, while the circuit is open.
type Forwarder struct {
	putter  Putter
	breaker *CircuitBreaker
	dataset string
}

func NewForwarder(putter Putter, breaker *CircuitBreaker, dataset string) *Forwarder {
	return &Forwarder{putter: putter, breaker: breaker, dataset: dataset}
}

// Forward sends one record.
func (f *Forwarder) Forward(ctx context.Context, rec arrow.RecordBatch) error {
	if !f.breaker.Allow() {
		forwardTotal.WithLabelValues("dropped").Inc()
		return ErrCircuitOpen
	}
	if err := f.putter.DoPut(ctx, f.dataset, rec); err != nil {
		f.breaker.Failure()
		forwardTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("forward to %s: %w", f.dataset, err)
	}
	f.breaker.Success()
	forwardTotal.WithLabelValues("ok").Inc()
	forwardRows.Add(float64(rec.NumRows()))
	return nil
}
