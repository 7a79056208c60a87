package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nnubes256/IDIoT/types"
)

func reading(seq uint64) types.SensorReading {
	return types.SensorReading{Device: "d", Sensor: "s", Value: types.Unsigned(seq), Seq: seq}
}

func TestSubscriberSeesPublishOrder(t *testing.T) {
	b := New(16)
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	for i := uint64(1); i <= 5; i++ {
		b.Publish(Event{Kind: EventLocalSensor, Reading: reading(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := uint64(1); i <= 5; i++ {
		ev, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, EventLocalSensor, ev.Kind)
		assert.Equal(t, i, ev.Reading.Seq)
	}
}

func TestLaggedSubscriberDropsOldestOnly(t *testing.T) {
	b := New(4)
	defer b.Close()

	slow := b.Subscribe()
	defer slow.Close()
	fast := b.Subscribe()
	defer fast.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Keep the fast subscriber drained while the slow one lags.
	for i := uint64(1); i <= 10; i++ {
		b.Publish(Event{Kind: EventLocalSensor, Reading: reading(i)})
		ev, err := fast.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, ev.Reading.Seq)
	}

	// The slow subscriber lost the six oldest events and learns about it
	// first.
	ev, err := slow.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventLagged, ev.Kind)
	assert.Equal(t, uint64(6), ev.Lagged)

	for i := uint64(7); i <= 10; i++ {
		ev, err := slow.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, ev.Reading.Seq)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(2)
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < 10_000; i++ {
			b.Publish(Event{Kind: EventLocalSensor, Reading: reading(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a lagging subscriber")
	}
}

func TestRecvHonorsContext(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedSubscriptionReturnsErrClosed(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe()
	sub.Close()

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBusCloseWakesReceivers(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by bus close")
	}
}
