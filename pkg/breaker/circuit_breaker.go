package breaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed calls pass through
	StateClosed State = iota
	// StateOpen calls fail fast until the cooldown ends
	StateOpen
	// StateHalfOpen one probe call decides whether to close again
	StateHalfOpen
)

// String returns the string representation of the state
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

// ErrOpen is returned without calling the target while the circuit is open
// or while a half-open probe is in flight.
var ErrOpen = errors.New("circuit breaker is open")

// Config circuit breaker configuration
type Config struct {
	// FailureThreshold consecutive failures that open the circuit
	FailureThreshold uint32
	// Cooldown time spent open before a probe is let through
	Cooldown time.Duration
	// OnStateChange is called with the breaker lock held; keep it short
	OnStateChange func(name string, from, to State)
}

// Breaker guards one downstream target
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Do runs fn unless the circuit is open. A panic in fn counts as a failure.
func (b *Breaker) Do(fn func() error) (err error) {
	if err := b.before(); err != nil {
		return err
	}

	success := false
	defer func() {
		b.after(success)
	}()

	err = fn()
	success = err == nil
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.current()
	if state == StateHalfOpen {
		b.probing = false
		if success {
			b.setState(StateClosed)
		} else {
			b.setState(StateOpen)
		}
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if state == StateClosed && b.failures >= b.cfg.FailureThreshold {
		b.setState(StateOpen)
	}
}

// current moves an expired open circuit to half-open. Callers hold mu.
func (b *Breaker) current() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Set holds one breaker per name, created on first use. A nil *Set runs
// every call unguarded.
type Set struct {
	cfg      Config
	breakers sync.Map
}

// NewSet creates a breaker set sharing cfg
func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg}
}

// Get returns the breaker for name
func (s *Set) Get(name string) *Breaker {
	if b, ok := s.breakers.Load(name); ok {
		return b.(*Breaker)
	}
	b, _ := s.breakers.LoadOrStore(name, New(name, s.cfg))
	return b.(*Breaker)
}

// Do runs fn through the breaker for name
func (s *Set) Do(name string, fn func() error) error {
	if s == nil {
		return fn()
	}
	return s.Get(name).Do(fn)
}
