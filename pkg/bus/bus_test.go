package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aqilrmm/Synapta/agent"
	"github.com/Aqilrmm/Synapta/pkg/security"
)

func TestRegisterDuplicate(t *testing.T) {
	b := New()

	_, err := b.Register("alpha")
	require.NoError(t, err)

	_, err = b.Register("alpha")
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	b := New()
	_, err := b.Register("alpha")
	require.NoError(t, err)

	b.Unregister("alpha")
	b.Unregister("alpha")
	assert.False(t, b.Registered("alpha"))
}

func TestSendReceiveRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.Register("alpha")
	require.NoError(t, err)
	_, err = b.Register("beta")
	require.NoError(t, err)

	sent := agent.NewMessage("greeting", map[string]string{"text": "hi"})
	require.NoError(t, b.Send(ctx, "alpha", "beta", sent))

	got, err := b.Receive(ctx, "beta", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Sender)
	assert.Equal(t, "beta", got.Target)
	assert.Equal(t, sent.ID, got.ID)
}

func TestSendOrderPreservedPerSender(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.Register("alpha")
	require.NoError(t, err)
	_, err = b.Register("beta")
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		msg := agent.NewMessage("seq", i)
		require.NoError(t, b.Send(ctx, "alpha", "beta", msg))
	}

	for i := 0; i < n; i++ {
		got, err := b.Receive(ctx, "beta", time.Second)
		require.NoError(t, err)

		var seq int
		require.NoError(t, got.UnmarshalPayload(&seq))
		assert.Equal(t, i, seq)
	}
}

func TestSendUnknownTargetDoesNotBlock(t *testing.T) {
	b := New()

	done := make(chan error, 1)
	go func() {
		done <- b.Send(context.Background(), "alpha", "ghost", agent.NewMessage("x", nil))
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnknownTarget)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on unknown target")
	}
}

func TestSendQueueFull(t *testing.T) {
	b := New(WithQueueCapacity(3))
	ctx := context.Background()

	_, err := b.Register("alpha")
	require.NoError(t, err)
	_, err = b.Register("beta")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(ctx, "alpha", "beta", agent.NewMessage("fill", i)))
	}
	err = b.Send(ctx, "alpha", "beta", agent.NewMessage("overflow", nil))
	assert.ErrorIs(t, err, ErrQueueFull)

	// Consuming one message frees exactly one slot.
	_, err = b.Receive(ctx, "beta", time.Second)
	require.NoError(t, err)
	assert.NoError(t, b.Send(ctx, "alpha", "beta", agent.NewMessage("refill", nil)))
}

func TestSendMessageTooLarge(t *testing.T) {
	b := New(WithMaxMessageSize(16))
	ctx := context.Background()

	_, err := b.Register("alpha")
	require.NoError(t, err)
	_, err = b.Register("beta")
	require.NoError(t, err)

	err = b.Send(ctx, "alpha", "beta", agent.NewMessage("big", strings.Repeat("x", 64)))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestBroadcastSkipsSenderAndReportsPartialFailure(t *testing.T) {
	b := New(WithQueueCapacity(1))
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta", "gamma", "delta"} {
		_, err := b.Register(id)
		require.NoError(t, err)
	}

	// Fill delta's inbox so the broadcast partially fails.
	require.NoError(t, b.Send(ctx, "beta", "delta", agent.NewMessage("fill", nil)))

	err := b.Broadcast(ctx, "alpha", agent.NewMessage("announce", nil))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Failed, 1)
	assert.ErrorIs(t, de.Failed["delta"], ErrQueueFull)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The healthy targets still received the message; the sender did not.
	for _, id := range []string{"beta", "gamma"} {
		got, err := b.Receive(ctx, id, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "announce", got.Type)
	}
	_, err = b.Receive(ctx, "alpha", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
}

func TestPublishToEmptyTopicIsNoop(t *testing.T) {
	b := New()
	_, err := b.Register("alpha")
	require.NoError(t, err)

	assert.NoError(t, b.Publish(context.Background(), "alpha", "nobody-listens", agent.NewMessage("x", nil)))
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta", "gamma"} {
		_, err := b.Register(id)
		require.NoError(t, err)
	}
	require.NoError(t, b.Subscribe("beta", "findings"))
	require.NoError(t, b.Subscribe("gamma", "findings"))

	require.NoError(t, b.Publish(ctx, "alpha", "findings", agent.NewMessage("report", nil)))

	for _, id := range []string{"beta", "gamma"} {
		got, err := b.Receive(ctx, id, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "findings", got.Target)
		assert.Equal(t, "alpha", got.Sender)
	}
}

func TestSubscribeRequiresRegisteredAgent(t *testing.T) {
	b := New()
	err := b.Subscribe("ghost", "findings")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := New()
	_, err := b.Register("alpha")
	require.NoError(t, err)

	require.NoError(t, b.Subscribe("alpha", "findings"))
	require.NoError(t, b.Subscribe("alpha", "findings"))
	assert.Equal(t, []string{"alpha"}, b.Subscribers("findings"))

	require.NoError(t, b.Unsubscribe("alpha", "findings"))
	require.NoError(t, b.Unsubscribe("alpha", "findings"))
	assert.Empty(t, b.Subscribers("findings"))
}

func TestUnregisterDropsSubscriptions(t *testing.T) {
	b := New()
	_, err := b.Register("alpha")
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("alpha", "findings"))

	b.Unregister("alpha")
	assert.Empty(t, b.Subscribers("findings"))
}

func TestReceiveTimeout(t *testing.T) {
	b := New()
	_, err := b.Register("alpha")
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Receive(context.Background(), "alpha", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReceiveWakesOnDelivery(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.Register("alpha")
	require.NoError(t, err)
	_, err = b.Register("beta")
	require.NoError(t, err)

	got := make(chan *agent.Message, 1)
	go func() {
		msg, err := b.Receive(ctx, "beta", 5*time.Second)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Send(ctx, "alpha", "beta", agent.NewMessage("wake", nil)))

	select {
	case msg := <-got:
		assert.Equal(t, "wake", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake on delivery")
	}
}

func TestConcurrentSendersDuringUnregister(t *testing.T) {
	// Sends racing an unregister must either deliver or observe
	// ErrUnknownTarget/ErrQueueFull; a panic on a closed channel fails the
	// whole test binary.
	b := New(WithQueueCapacity(8))
	ctx := context.Background()

	_, err := b.Register("victim")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := b.Register(fmt.Sprintf("sender-%d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				err := b.Send(ctx, sender, "victim", agent.NewMessage("spam", j))
				if err != nil && !errors.Is(err, ErrUnknownTarget) && !errors.Is(err, ErrQueueFull) {
					t.Errorf("unexpected send error: %v", err)
					return
				}
			}
		}(fmt.Sprintf("sender-%d", i))
	}

	time.Sleep(time.Millisecond)
	b.Unregister("victim")
	wg.Wait()

	err = b.Send(ctx, "sender-0", "victim", agent.NewMessage("late", nil))
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestSendRateLimit(t *testing.T) {
	b := New(WithSendLimiter(security.NewSendLimiter(1, 1)))
	ctx := context.Background()

	_, err := b.Register("alpha")
	require.NoError(t, err)
	_, err = b.Register("beta")
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, "alpha", "beta", agent.NewMessage("first", nil)))
	err = b.Send(ctx, "alpha", "beta", agent.NewMessage("second", nil))
	assert.ErrorIs(t, err, ErrRateLimited)
}
