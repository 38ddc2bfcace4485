package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/delivery"
	"convcore/internal/domain"
	"convcore/internal/store"
	"convcore/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAdvance(t *testing.T) {
	assert.True(t, delivery.CanAdvance(delivery.Sending, delivery.Sent))
	assert.True(t, delivery.CanAdvance(delivery.Sent, delivery.Seen))
	assert.False(t, delivery.CanAdvance(delivery.Seen, delivery.Delivered))
	assert.False(t, delivery.CanAdvance(delivery.Delivered, delivery.Delivered))
	assert.False(t, delivery.CanAdvance(delivery.Sent, domain.Status(9)))
}

type fixture struct {
	st      *store.Store
	tracker *delivery.Tracker
	msgID   uuid.UUID
	devA    uuid.UUID
	devB    uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := storetest.Open(t)
	fx := storetest.NewFixture(t, st)

	alice := fx.User("alice")
	bob := fx.User("bob")
	conv := fx.Conversation(domain.ConversationGroup, alice.ID, bob.ID)
	sender := fx.Device(alice.ID, "sender")
	a := fx.Device(alice.ID, "a2")
	b := fx.Device(bob.ID, "b1")

	msg := domain.Message{
		ConversationID: conv.ID,
		SenderID:       alice.ID,
		SenderDeviceID: sender.ID,
		Ciphertext:     []byte("opaque"),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.Messages().Create(ctx, &msg))

	tr := delivery.NewTracker(st)
	targets := []store.LiveTarget{{DeviceID: a.ID, UserID: alice.ID}, {DeviceID: b.ID, UserID: bob.ID}}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Store) error {
		return tr.Create(ctx, tx, msg.ID, targets)
	}))
	return fixture{st: st, tracker: tr, msgID: msg.ID, devA: a.ID, devB: b.ID}
}

func TestAdvanceIsForwardOnlyAndIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tr, err := f.tracker.Advance(ctx, f.msgID, f.devA, delivery.Seen)
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.Equal(t, delivery.Sending, tr.From)

	tr, err = f.tracker.Advance(ctx, f.msgID, f.devA, delivery.Delivered)
	require.NoError(t, err, "stale transitions are not errors")
	assert.False(t, tr.Changed)
	assert.Equal(t, delivery.Seen, tr.From)

	tr, err = f.tracker.Advance(ctx, f.msgID, f.devA, delivery.Seen)
	require.NoError(t, err)
	assert.False(t, tr.Changed, "repeated ack is a no-op")

	rec, err := f.st.Deliveries().Get(ctx, f.msgID, f.devA)
	require.NoError(t, err)
	assert.Equal(t, delivery.Seen, rec.Status)

	_, err = f.tracker.Advance(ctx, f.msgID, uuid.New(), delivery.Seen)
	assert.ErrorIs(t, err, delivery.ErrNoRecord)

	_, err = f.tracker.Advance(ctx, f.msgID, f.devA, domain.Status(7))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalid))
}

func TestConcurrentAdvanceSettlesOnHighest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order := []delivery.Status{delivery.Sent, delivery.Seen, delivery.Delivered, delivery.Sent, delivery.Delivered}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, s := range order {
			wg.Add(1)
			go func(s delivery.Status) {
				defer wg.Done()
				_, err := f.tracker.Advance(ctx, f.msgID, f.devB, s)
				assert.NoError(t, err)
			}(s)
		}
	}
	wg.Wait()

	rec, err := f.st.Deliveries().Get(ctx, f.msgID, f.devB)
	require.NoError(t, err)
	assert.Equal(t, delivery.Seen, rec.Status)
}

func TestAggregateIsMinimumOfRequiredRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agg, err := f.tracker.Aggregate(ctx, f.msgID)
	require.NoError(t, err)
	assert.Equal(t, delivery.Sending, agg)

	_, err = f.tracker.Advance(ctx, f.msgID, f.devA, delivery.Seen)
	require.NoError(t, err)
	_, err = f.tracker.Advance(ctx, f.msgID, f.devB, delivery.Delivered)
	require.NoError(t, err)
	agg, err = f.tracker.Aggregate(ctx, f.msgID)
	require.NoError(t, err)
	assert.Equal(t, delivery.Delivered, agg)

	// Revoking the lagging device leaves only the seen one.
	require.NoError(t, f.st.WithTx(ctx, func(tx *store.Store) error {
		ids, err := f.tracker.ExcludeDevice(ctx, tx, f.devB)
		assert.Equal(t, []uuid.UUID{f.msgID}, ids)
		return err
	}))
	agg, err = f.tracker.Aggregate(ctx, f.msgID)
	require.NoError(t, err)
	assert.Equal(t, delivery.Seen, agg)

	tr, err := f.tracker.Advance(ctx, f.msgID, f.devB, delivery.Seen)
	require.NoError(t, err)
	assert.False(t, tr.Changed, "excluded records never advance")

	recs, err := f.tracker.Records(ctx, f.msgID)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "excluded records are retained")
}

func TestAggregateWithNoRequiredRecordsIsSent(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	tr := delivery.NewTracker(st)

	agg, err := tr.Aggregate(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, delivery.Sent, agg)
}
