package store_test

import (
	"context"
	"testing"
	"time"

	"convcore/internal/domain"
	"convcore/internal/store"
	"convcore/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeUpsertReplacesWholeRow(t *testing.T) {
	st := storetest.Open(t)
	fx := storetest.NewFixture(t, st)
	ctx := context.Background()

	alice := fx.User("alice")
	bob := fx.User("bob")
	d1 := fx.Device(bob.ID, "phone")
	conv := fx.Conversation(domain.ConversationGroup, alice.ID, bob.ID)

	fx.Envelope(conv.ID, alice.ID, d1, "E_old")

	next := domain.Envelope{
		ConversationID:    conv.ID,
		DeviceID:          d1.ID,
		ParticipantID:     bob.ID,
		OwnerID:           bob.ID,
		EncryptedGroupKey: "E_new",
		KeyVersion:        2,
		UpdatedAt:         time.Now().UTC(),
	}
	require.NoError(t, st.Envelopes().Upsert(ctx, &next))

	got, err := st.Envelopes().Get(ctx, conv.ID, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, "E_new", got.EncryptedGroupKey)
	assert.Equal(t, 2, got.KeyVersion)
	assert.Equal(t, bob.ID, got.ParticipantID)

	all, err := st.Envelopes().ListByDevice(ctx, d1.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLiveTargetsSkipRevokedAndDepartedDevices(t *testing.T) {
	st := storetest.Open(t)
	fx := storetest.NewFixture(t, st)
	ctx := context.Background()

	alice := fx.User("alice")
	bob := fx.User("bob")
	carol := fx.User("carol")
	a1 := fx.Device(alice.ID, "laptop")
	b1 := fx.Device(bob.ID, "phone")
	b2 := fx.Device(bob.ID, "tablet")
	c1 := fx.Device(carol.ID, "phone")
	noEnvelope := fx.Device(alice.ID, "desktop")
	conv := fx.Conversation(domain.ConversationGroup, alice.ID, bob.ID, carol.ID)

	for _, d := range []domain.Device{a1, b1, b2, c1} {
		fx.Envelope(conv.ID, alice.ID, d, "k-"+d.Name)
	}

	revoked, err := st.Devices().Revoke(ctx, b2.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, revoked)
	left, err := st.Participants().MarkLeft(ctx, conv.ID, carol.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, left)

	targets, err := st.Envelopes().LiveTargets(ctx, conv.ID)
	require.NoError(t, err)
	ids := map[uuid.UUID]uuid.UUID{}
	for _, tg := range targets {
		ids[tg.DeviceID] = tg.UserID
	}
	assert.Equal(t, map[uuid.UUID]uuid.UUID{a1.ID: alice.ID, b1.ID: bob.ID}, ids)

	effective, err := st.Devices().ListEffective(ctx, conv.ID)
	require.NoError(t, err)
	var names []string
	for _, d := range effective {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{a1.Name, noEnvelope.Name, b1.Name}, names)

	again, err := st.Devices().Revoke(ctx, b2.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, again, "second revoke must be a no-op")
}

func TestDeliveryAdvanceIsForwardOnlyAndExclusionRetainsRows(t *testing.T) {
	st := storetest.Open(t)
	fx := storetest.NewFixture(t, st)
	ctx := context.Background()

	alice := fx.User("alice")
	bob := fx.User("bob")
	a1 := fx.Device(alice.ID, "laptop")
	b1 := fx.Device(bob.ID, "phone")
	b2 := fx.Device(bob.ID, "tablet")
	conv := fx.Conversation(domain.ConversationPrivate, alice.ID, bob.ID)

	msg := domain.Message{ConversationID: conv.ID, SenderID: alice.ID, SenderDeviceID: a1.ID, Ciphertext: []byte{1, 2, 3}, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.Messages().Create(ctx, &msg))
	now := time.Now().UTC()
	require.NoError(t, st.Deliveries().CreateBatch(ctx, []domain.DeliveryRecord{
		{MessageID: msg.ID, DeviceID: b1.ID, UserID: bob.ID, Status: domain.StatusSending, UpdatedAt: now},
		{MessageID: msg.ID, DeviceID: b2.ID, UserID: bob.ID, Status: domain.StatusSending, UpdatedAt: now},
	}))

	changed, err := st.Deliveries().Advance(ctx, msg.ID, b1.ID, domain.StatusDelivered, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = st.Deliveries().Advance(ctx, msg.ID, b1.ID, domain.StatusSent, now)
	require.NoError(t, err)
	assert.False(t, changed, "backward transition must not apply")

	minStatus, required, err := st.Deliveries().MinRequiredStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSending, minStatus)
	assert.EqualValues(t, 2, required)

	pending, err := st.Messages().PendingForDevice(ctx, b2.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)

	affected, err := st.Deliveries().ExcludeDevice(ctx, b2.ID, now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{msg.ID}, affected)

	minStatus, required, err = st.Deliveries().MinRequiredStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, minStatus)
	assert.EqualValues(t, 1, required)

	recs, err := st.Deliveries().ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "excluded records are kept for audit")

	_, err = st.Messages().Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}
