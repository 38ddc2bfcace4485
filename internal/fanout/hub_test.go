package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestLiveDeliveryPreservesOrder(t *testing.T) {
	h := NewHub(Config{})
	dev := uuid.New()
	sub, resumed := h.Attach(uuid.New(), dev, uuid.New())
	assert.False(t, resumed)
	assert.True(t, h.Online(dev))

	for i := 0; i < 5; i++ {
		h.Publish(dev, EventMessagePush, i)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		ev := next(t, sub)
		assert.Equal(t, i, ev.Data)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestOfflineQueueFlushesOnAttach(t *testing.T) {
	h := NewHub(Config{})
	dev := uuid.New()

	h.Publish(dev, EventKeyEnvelopePush, "k1")
	h.Publish(dev, EventMessagePush, "m1")
	n, overflow := h.Queued(dev)
	assert.Equal(t, 2, n)
	assert.False(t, overflow)

	sub, resumed := h.Attach(uuid.New(), dev, uuid.New())
	assert.True(t, resumed)
	assert.Equal(t, "k1", next(t, sub).Data)
	assert.Equal(t, "m1", next(t, sub).Data)
}

func TestOfflineQueueEvictsOldestAndRequestsResync(t *testing.T) {
	h := NewHub(Config{OfflineCap: 3})
	dev := uuid.New()
	for i := 0; i < 5; i++ {
		h.Publish(dev, EventMessagePush, i)
	}
	n, overflow := h.Queued(dev)
	assert.Equal(t, 3, n)
	assert.True(t, overflow)

	sub, _ := h.Attach(uuid.New(), dev, uuid.New())
	assert.Equal(t, EventResyncRequired, next(t, sub).Name)
	for _, want := range []int{2, 3, 4} {
		assert.Equal(t, want, next(t, sub).Data)
	}
}

func TestSlowConsumerIsDroppedWithoutBlocking(t *testing.T) {
	h := NewHub(Config{SendBuffer: 2})
	dev := uuid.New()
	sub, _ := h.Attach(uuid.New(), dev, uuid.New())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(dev, EventMessagePush, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
	assert.False(t, h.Online(dev))

	again, resumed := h.Attach(uuid.New(), dev, uuid.New())
	assert.True(t, resumed)
	assert.Equal(t, EventResyncRequired, next(t, again).Name)
}

func TestDetachCancelsOnlyThatConnection(t *testing.T) {
	h := NewHub(Config{})
	dev := uuid.New()
	user := uuid.New()
	a, _ := h.Attach(user, dev, uuid.New())
	b, _ := h.Attach(user, dev, uuid.New())

	h.Publish(dev, EventMessagePush, "x")
	h.Detach(a)

	_, err := a.Next(context.Background())
	assert.ErrorIs(t, err, ErrDetached)
	assert.Equal(t, "x", next(t, b).Data)
	assert.True(t, h.Online(dev))

	h.Detach(b)
	assert.False(t, h.Online(dev))
	h.Publish(dev, EventMessagePush, "later")
	n, _ := h.Queued(dev)
	assert.Equal(t, 1, n)
}

func TestDisconnectDeviceDropsSocketsAndQueue(t *testing.T) {
	h := NewHub(Config{})
	dev := uuid.New()
	sub, _ := h.Attach(uuid.New(), dev, uuid.New())

	assert.Equal(t, 1, h.DisconnectDevice(dev))
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrDeviceRevoked)
	n, _ := h.Queued(dev)
	assert.Zero(t, n)
}

func TestPrependPlacesReplayFirst(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1})
	dev := uuid.New()
	sub, _ := h.Attach(uuid.New(), dev, uuid.New())
	h.Publish(dev, EventMessagePush, "live")

	sub.Prepend([]Event{{Name: EventKeyEnvelopePush, Data: "r1"}, {Name: EventMessagePush, Data: "r2"}})
	assert.Equal(t, "r1", next(t, sub).Data)
	assert.Equal(t, "r2", next(t, sub).Data)
	assert.Equal(t, "live", next(t, sub).Data)
}

func TestNextHonoursContext(t *testing.T) {
	h := NewHub(Config{})
	sub, _ := h.Attach(uuid.New(), uuid.New(), uuid.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetachRequeuesEventsTheWriterNeverTook(t *testing.T) {
	h := NewHub(Config{})
	dev := uuid.New()
	sub, _ := h.Attach(uuid.New(), dev, uuid.New())

	h.Publish(dev, EventMessagePush, "m1")
	h.Publish(dev, EventMessagePush, "m2")
	assert.Equal(t, "m1", next(t, sub).Data)
	h.Detach(sub)

	n, overflow := h.Queued(dev)
	assert.Equal(t, 1, n)
	assert.False(t, overflow)

	h.Publish(dev, EventMessagePush, "m3")
	again, resumed := h.Attach(uuid.New(), dev, uuid.New())
	assert.True(t, resumed)
	assert.Equal(t, "m2", next(t, again).Data)
	assert.Equal(t, "m3", next(t, again).Data)
}

func TestDetachWithoutEventsLeavesNoQueue(t *testing.T) {
	h := NewHub(Config{})
	dev := uuid.New()
	sub, _ := h.Attach(uuid.New(), dev, uuid.New())
	h.Detach(sub)

	_, resumed := h.Attach(uuid.New(), dev, uuid.New())
	assert.False(t, resumed)
}

func TestRequeueKeepsNewestAndRequestsResync(t *testing.T) {
	h := NewHub(Config{OfflineCap: 2})
	dev := uuid.New()
	sub, _ := h.Attach(uuid.New(), dev, uuid.New())
	sub.Prepend([]Event{{Name: EventMessagePush, Data: "from storage"}})
	for i := 0; i < 3; i++ {
		h.Publish(dev, EventMessagePush, i)
	}
	h.Detach(sub)

	n, overflow := h.Queued(dev)
	assert.Equal(t, 2, n, "storage replay is not requeued")
	assert.True(t, overflow)

	again, _ := h.Attach(uuid.New(), dev, uuid.New())
	assert.Equal(t, EventResyncRequired, next(t, again).Name)
	assert.Equal(t, 1, next(t, again).Data)
	assert.Equal(t, 2, next(t, again).Data)
}
