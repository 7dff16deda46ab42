package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("broker down")

// fakeClock is advanced by hand
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold uint32, cooldown time.Duration) (*Breaker, *fakeClock, *[]string) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	b := New("test", Config{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	b.now = clock.now
	return b, clock, &transitions
}

func fail() error { return errDown }
func ok() error   { return nil }

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(999).String())
}

func TestNew_Defaults(t *testing.T) {
	b := New("defaults", Config{})
	assert.Equal(t, uint32(5), b.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.Cooldown)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _, _ := newTestBreaker(3, time.Minute)

	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.ErrorIs(t, b.Do(fail), errDown)
	require.NoError(t, b.Do(ok), "a success resets the streak")
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock, transitions := newTestBreaker(1, time.Minute)

	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, StateOpen, b.State())

	clock.advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	// failed probe reopens
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(ok), ErrOpen)

	clock.advance(time.Minute)
	require.NoError(t, b.Do(ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->open",
		"open->half-open",
		"half-open->closed",
	}, *transitions)
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	b, clock, _ := newTestBreaker(1, time.Second)
	assert.ErrorIs(t, b.Do(fail), errDown)
	clock.advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Do(ok), ErrOpen, "second caller is rejected while the probe runs")
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b, _, _ := newTestBreaker(1, time.Minute)

	assert.Panics(t, func() {
		_ = b.Do(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestSet(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1, Cooldown: time.Hour})

	assert.ErrorIs(t, s.Do("topic.a", fail), errDown)
	assert.ErrorIs(t, s.Do("topic.a", ok), ErrOpen)
	assert.NoError(t, s.Do("topic.b", ok), "breakers are per name")
	assert.Same(t, s.Get("topic.a"), s.Get("topic.a"))

	var nilSet *Set
	assert.ErrorIs(t, nilSet.Do("topic.a", fail), errDown)
	assert.NoError(t, nilSet.Do("topic.a", ok))
}
