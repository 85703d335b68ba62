// Package circuit guards calls to the NFS backend -- stat, readdir,
// and the other metadata operations the FUSE adapter issues on every
// lookup -- behind a circuit breaker, so a backend that has wedged or
// gone unreachable fails fast instead of piling up blocked goroutines
// behind a slow mount.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is where a breaker sits in the closed/open/half-open cycle
// that gates whether backend calls are allowed through.
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit breaker allows limited requests to test if service recovered
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes one breaker's trip/recovery behavior.
type Config struct {
	// MaxRequests caps how many backend calls are let through while
	// the breaker is half-open, probing whether the backend recovered.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is how long the closed state runs before its failure
	// counts reset, so an old burst of backend errors doesn't linger
	// forever against a backend that has since recovered.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before allowing a
	// half-open probe against the backend.
	Timeout time.Duration `yaml:"timeout"`

	// ReadyToTrip decides whether the counts so far mean the backend
	// should be considered down.
	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// OnStateChange is notified whenever the breaker flips state,
	// useful for logging a backend outage as it's detected.
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful classifies a backend call's error as a breaker
	// failure or not; a context cancellation, say, shouldn't count
	// against the backend's health the way an I/O error should.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of backend calls attempted through a
// breaker and how many succeeded or failed.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker guards one class of backend call (stat, readdir, ...)
// named by name, tripping to reject calls once the backend looks down
// and periodically probing to see if it has recovered.
type CircuitBreaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// DefaultBackendStatConfig returns the Config the adapter uses to
// guard backend stat/readdir calls: trip after failureThreshold
// consecutive failures, and wait timeout before probing again.
func DefaultBackendStatConfig(failureThreshold int, timeout time.Duration) Config {
	return Config{
		MaxRequests: 1,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return int(counts.ConsecutiveFailures) >= failureThreshold
		},
	}
}

// NewCircuitBreaker builds a breaker for one named backend call site.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		counts: Counts{},
		expiry: time.Now().Add(config.Interval),
	}
}

// defaultReadyToTrip trips once at least 20 backend calls have been
// attempted and half of them failed.
func defaultReadyToTrip(counts Counts) bool {
	return counts.Requests >= 20 &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
}

// defaultIsSuccessful treats any non-nil backend error as a failure.
func defaultIsSuccessful(err error) bool {
	return err == nil
}

// Execute runs fn against the backend if the breaker is closed (or
// probing half-open), otherwise returns ErrBreakerOpen without
// calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	err, _ := cb.ExecuteWithFallback(fn, nil)
	return err
}

// ExecuteWithFallback runs fn against the backend if the breaker
// allows it; otherwise it runs fallback (e.g. serve the last-known
// cached stat) instead of failing the caller outright.
func (cb *CircuitBreaker) ExecuteWithFallback(fn func() error, fallback func() error) (error, bool) {
	if err := cb.beforeRequest(); err != nil {
		if fallback != nil {
			fallbackErr := fallback()
			return fallbackErr, true
		}
		return err, false
	}

	err := fn()
	cb.afterRequest(err)
	return err, false
}

// ExecuteWithContext runs fn against the backend, passing ctx through
// so a slow call can still honor cancellation.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// beforeRequest is called before executing the request
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return ErrBreakerOpen
	}

	if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return ErrBreakerBusy
	}

	cb.counts.onRequest()
	return nil
}

// afterRequest is called after executing the request
func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if cb.config.IsSuccessful(err) {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// onSuccess handles successful requests
func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

// onFailure handles failed requests
func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()

	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState returns the current state of the circuit breaker
func (cb *CircuitBreaker) currentState(now time.Time) (State, time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts.clear()
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.expiry
}

// setState changes the state of the circuit breaker
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state

	if cb.state == state {
		return
	}

	cb.state = state
	cb.counts.clear()

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(time.Now())
	return state
}

// GetCounts returns a copy of the current counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.clear()
	cb.setState(StateClosed, time.Now())
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Methods for Counts struct

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
	c.LastActivity = time.Time{}
}

// Errors

var (
	// ErrBreakerOpen is returned when the circuit breaker is open
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrBreakerBusy is returned when too many requests are made in half-open state
	ErrBreakerBusy = errors.New("too many requests in half-open state")
)

// Registry holds one breaker per named backend call site (stat,
// readdir, ...), creating each lazily on first use and sharing a
// single Config across all of them.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewRegistry builds an empty Registry that creates breakers with
// config on first GetBreaker call.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker returns the breaker for name, creating it on first use.
func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mu.RLock()
	if breaker, exists := r.breakers[name]; exists {
		r.mu.RUnlock()
		return breaker
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check in case another goroutine created it
	if breaker, exists := r.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, r.config)
	r.breakers[name] = breaker
	return breaker
}

// GetAllBreakers returns a copy of every breaker currently registered.
func (r *Registry) GetAllBreakers() map[string]*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, breaker := range r.breakers {
		result[name] = breaker
	}
	return result
}

// RemoveBreaker drops name from the registry.
func (r *Registry) RemoveBreaker(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.breakers, name)
}

// ResetAll forces every registered breaker back to closed, e.g. after
// an operator confirms the backend is healthy again.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, breaker := range r.breakers {
		breakers = append(breakers, breaker)
	}
	r.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}
}

// GetStats returns a point-in-time snapshot of every registered
// breaker's state and counts, suitable for a status endpoint.
func (r *Registry) GetStats() map[string]CircuitBreakerStats {
	r.mu.RLock()
	breakers := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, breaker := range r.breakers {
		breakers[name] = breaker
	}
	r.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats)
	for name, breaker := range breakers {
		stats[name] = CircuitBreakerStats{
			Name:   name,
			State:  breaker.GetState(),
			Counts: breaker.GetCounts(),
		}
	}
	return stats
}

// CircuitBreakerStats is one breaker's state and counts, keyed by
// backend call site in Registry.GetStats.
type CircuitBreakerStats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// HealthCheck reports an error naming every backend call site whose
// breaker is currently open, or nil if the backend looks healthy
// across the board.
func (r *Registry) HealthCheck() error {
	stats := r.GetStats()

	var openBreakers []string
	for name, stat := range stats {
		if stat.State == StateOpen {
			openBreakers = append(openBreakers, name)
		}
	}

	if len(openBreakers) > 0 {
		return fmt.Errorf("backend call sites with an open circuit breaker: %v", openBreakers)
	}

	return nil
}
