package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", MaxFailures: 2, Timeout: time.Minute})

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(Settings{Name: "test", MaxFailures: 1, Timeout: time.Second})
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresSuccessfulErrors(t *testing.T) {
	notFound := errors.New("not found")
	var transitions []State
	cb := NewCircuitBreaker(Settings{
		MaxFailures:  1,
		IsSuccessful: func(err error) bool { return errors.Is(err, notFound) },
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})

	assert.ErrorIs(t, cb.Execute(func() error { return notFound }), notFound)
	assert.Equal(t, StateClosed, cb.State())
	assert.Empty(t, transitions)

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitBreakerIgnoresExcludedErrors(t *testing.T) {
	errGaveUp := errors.New("gave up")
	cb := NewCircuitBreaker(Settings{
		Name:        "test",
		MaxFailures: 2,
		Timeout:     time.Minute,
		IsExcluded:  func(err error) bool { return errors.Is(err, errGaveUp) },
	})

	_ = cb.Execute(func() error { return errBoom })
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errGaveUp }), errGaveUp)
	}
	assert.Equal(t, StateClosed, cb.State())

	// The streak from before the excluded errors is still counted.
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())
}
