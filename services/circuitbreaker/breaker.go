// Package circuitbreaker isolates failing providers. Each provider key gets an
// independent breaker that rejects calls for a cooldown period after repeated failures.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrOpen is returned when a call is rejected by an open breaker
var ErrOpen = errors.New("circuit breaker open")

// State represents the state of a circuit breaker
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
		return "unknown"
	}
}

// Config configures breaker behavior
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before a trial call
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that close the
	// breaker. It also caps the trial calls in flight while half-open.
	SuccessThreshold int
	// CallTimeout bounds each protected call when positive
	CallTimeout time.Duration
	// OnStateChange is called after every transition, outside the lock
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns the default breaker settings
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// Breaker guards a single provider
type Breaker struct {
	key    string
	config Config
	clock  clock.Clock

	mu              sync.Mutex
	state           State
	failures        int
	halfOpenSucc    int
	trials          int    // half-open calls in flight
	generation      uint64 // bumped on every transition
	lastFailure     time.Time
	lastStateChange time.Time
}

// permit is the outcome of an admission. A trial permit holds one half-open slot.
type permit struct {
	ok         bool
	trial      bool
	generation uint64
	notify     func()
}

func newBreaker(key string, cfg Config, clk clock.Clock) *Breaker {
	return &Breaker{
		key:             key,
		config:          cfg,
		clock:           clk,
		state:           StateClosed,
		lastStateChange: clk.Now(),
	}
}

// allow reports whether a call may proceed, moving open to half-open after
// the cooldown. Half-open admits at most SuccessThreshold concurrent trials.
func (b *Breaker) allow() permit {
	b.mu.Lock()
	defer b.mu.Unlock()

	var notify func()
	switch b.state {
	case StateClosed:
		return permit{ok: true}
	case StateOpen:
		if b.clock.Since(b.lastStateChange) < b.config.RecoveryTimeout {
			return permit{}
		}
		notify = b.transition(StateHalfOpen)
	}

	if b.trials >= b.config.SuccessThreshold {
		return permit{notify: notify}
	}
	b.trials++
	return permit{ok: true, trial: true, generation: b.generation, notify: notify}
}

// release frees the half-open slot held by p, unless the breaker moved on since
func (b *Breaker) release(p permit) {
	if p.trial && p.generation == b.generation && b.trials > 0 {
		b.trials--
	}
}

func (b *Breaker) abandon(p permit) {
	b.mu.Lock()
	b.release(p)
	b.mu.Unlock()
}

func (b *Breaker) record(p permit, err error) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release(p)

	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.halfOpenSucc++
			if b.halfOpenSucc >= b.config.SuccessThreshold {
				return b.transition(StateClosed)
			}
		}
		return nil
	}

	b.failures++
	b.halfOpenSucc = 0
	b.lastFailure = b.clock.Now()
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.config.FailureThreshold) {
		return b.transition(StateOpen)
	}
	return nil
}

// transition must be called with the lock held. The returned func fires the callback.
func (b *Breaker) transition(to State) func() {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.generation++
	b.trials = 0
	b.lastStateChange = b.clock.Now()
	if to == StateClosed {
		b.failures = 0
		b.halfOpenSucc = 0
	}
	if b.config.OnStateChange == nil {
		return nil
	}
	key, cb := b.key, b.config.OnStateChange
	return func() { cb(key, from, to) }
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats contains breaker statistics
type Stats struct {
	Key             string    `json:"key"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Key:             b.key,
		State:           b.state.String(),
		Failures:        b.failures,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// Registry holds one breaker per provider key
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRegistry creates a registry whose breakers share cfg
func NewRegistry(cfg Config, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(key string, from, to State) {
		logger.Warn("circuit breaker state changed",
			zap.String("provider", key),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if userHook != nil {
			userHook(key, from, to)
		}
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		clock:    clk,
		logger:   logger,
	}
}

// Get returns the breaker for key, creating it on first use
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.config, r.clock)
	r.breakers[key] = b
	return b
}

// Execute runs op under the breaker for key. Caller cancellation is not counted as a failure.
func (r *Registry) Execute(ctx context.Context, key string, op func(context.Context) error) error {
	b := r.Get(key)

	p := b.allow()
	if p.notify != nil {
		p.notify()
	}
	if !p.ok {
		return fmt.Errorf("%w: %s", ErrOpen, key)
	}

	callCtx := ctx
	if r.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()
	}

	err := op(callCtx)
	if err != nil && ctx.Err() != nil {
		b.abandon(p)
		return err
	}
	if notify := b.record(p, err); notify != nil {
		notify()
	}
	return err
}

// Stats returns a snapshot of every breaker
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}

// Reset forces the breaker for key closed
func (r *Registry) Reset(key string) {
	b := r.Get(key)
	b.mu.Lock()
	notify := b.transition(StateClosed)
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}
