package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValuePublishLoad(t *testing.T) {
	v := NewValue[int]()

	_, ok := v.Load()
	assert.False(t, ok, "empty value should report unset")

	v.Publish(42)
	got, ok := v.Load()
	require.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestValueSubscribeReceivesCurrent(t *testing.T) {
	v := NewValue[string]()
	v.Publish("first")

	ch, cancel := v.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		assert.Equal(t, "first", got)
	case <-time.After(time.Second):
		t.Fatal("did not receive current value on subscribe")
	}
}

func TestValueReplaceLatest(t *testing.T) {
	v := NewValue[int]()
	ch, cancel := v.Subscribe()
	defer cancel()

	// Subscriber does not read; publisher must never block and the
	// subscriber must end up seeing only the newest value.
	for i := 1; i <= 100; i++ {
		v.Publish(i)
	}

	deadline := time.After(time.Second)
	var last int
	for {
		select {
		case got := <-ch:
			last = got
			if last == 100 {
				return
			}
		case <-deadline:
			t.Fatalf("expected trailing value 100, last seen %d", last)
		}
	}
}

func TestValueCancelClosesSubscription(t *testing.T) {
	v := NewValue[int]()
	_, cancel := v.Subscribe()
	cancel()
	cancel() // idempotent

	// Publishing after cancel must not panic or block.
	v.Publish(1)
}

func TestCoalescingBurst(t *testing.T) {
	c := NewCoalescing[int](50 * time.Millisecond)
	ch, cancel := c.Subscribe()
	defer cancel()

	c.Publish(1)
	c.Publish(2)
	c.Publish(3)

	// Leading emission is immediate.
	select {
	case got := <-ch:
		assert.Equal(t, 1, got)
	case <-time.After(time.Second):
		t.Fatal("missing leading emission")
	}

	// Trailing emission carries the newest value after the window.
	select {
	case got := <-ch:
		assert.Equal(t, 3, got)
	case <-time.After(time.Second):
		t.Fatal("missing trailing emission")
	}
}
