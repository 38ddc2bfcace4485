// Package conversations manages conversations and their membership. Every
// membership change runs under the conversation lock shared with key
// distribution and message sending.
package conversations

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/delivery"
	"convcore/internal/domain"
	"convcore/internal/keydist"
	"convcore/internal/keyedmutex"
	"convcore/internal/session"
	"convcore/internal/store"

	"github.com/google/uuid"
)

type Rotator interface {
	RequestRotation(ctx context.Context, conversationID uuid.UUID, hint keydist.RotationRequired) error
}

type Deps struct {
	Store      *store.Store
	Locks      *keyedmutex.Mutex
	Keys       Rotator
	Tracker    *delivery.Tracker
	Aggregates keydist.AggregateNotifier
}

type Service struct {
	store      *store.Store
	locks      *keyedmutex.Mutex
	keys       Rotator
	tracker    *delivery.Tracker
	aggregates keydist.AggregateNotifier
	now        func() time.Time
}

func New(d Deps) *Service {
	return &Service{
		store:      d.Store,
		locks:      d.Locks,
		keys:       d.Keys,
		tracker:    d.Tracker,
		aggregates: d.Aggregates,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type View struct {
	domain.Conversation
	Participants []domain.Participant `json:"participants"`
}

// Create starts a conversation. The creator is always a member; a private
// conversation has exactly two.
func (s *Service) Create(ctx context.Context, sess *session.Session, kind domain.ConversationKind, memberIDs []uuid.UUID) (View, error) {
	if !kind.Valid() {
		return View{}, apperr.Invalid("kind must be private or group")
	}
	members := []uuid.UUID{sess.UserID()}
	seen := map[uuid.UUID]struct{}{sess.UserID(): {}}
	for _, id := range memberIDs {
		if id == uuid.Nil {
			return View{}, apperr.Invalid("member ids must be set")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if kind == domain.ConversationPrivate && len(members) != 2 {
		return View{}, apperr.Invalid("a private conversation has exactly two participants")
	}

	now := s.now()
	view := View{Conversation: domain.Conversation{ID: uuid.New(), Kind: kind, CreatedBy: sess.UserID(), CreatedAt: now}}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		for _, id := range members {
			if _, err := tx.Users().Get(ctx, id); err != nil {
				if errors.Is(err, store.ErrRecordNotFound) {
					return apperr.NotFound("user " + id.String() + " not found")
				}
				return err
			}
		}
		if err := tx.Conversations().Create(ctx, &view.Conversation); err != nil {
			return err
		}
		for _, id := range members {
			p := domain.Participant{ConversationID: view.ID, UserID: id, JoinedAt: now}
			if err := tx.Participants().Add(ctx, &p); err != nil {
				return err
			}
			view.Participants = append(view.Participants, p)
		}
		return nil
	})
	if err != nil {
		return View{}, err
	}
	slog.Default().Info("conversation created", "conversation_id", view.ID, "kind", kind, "members", len(members))
	return view, nil
}

func (s *Service) Get(ctx context.Context, sess *session.Session, conversationID uuid.UUID) (View, error) {
	conv, err := s.conversation(ctx, s.store, conversationID)
	if err != nil {
		return View{}, err
	}
	if err := keydist.RequireActiveMember(ctx, s.store, conversationID, sess.UserID()); err != nil {
		return View{}, err
	}
	parts, err := s.store.Participants().ListActive(ctx, conversationID)
	if err != nil {
		return View{}, err
	}
	return View{Conversation: *conv, Participants: parts}, nil
}

// List returns the ids of conversations the caller is an active member of.
func (s *Service) List(ctx context.Context, sess *session.Session) ([]uuid.UUID, error) {
	return s.store.Participants().ConversationIDsForUser(ctx, sess.UserID())
}

// AddParticipant adds userID to a group conversation, or restores a member
// who left. Existing devices are asked to seal the key for the newcomer.
func (s *Service) AddParticipant(ctx context.Context, sess *session.Session, conversationID, userID uuid.UUID) (domain.Participant, error) {
	unlock := s.locks.Lock(keydist.ConversationLockKey(conversationID))
	defer unlock()

	var part domain.Participant
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		conv, err := s.conversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Kind != domain.ConversationGroup {
			return apperr.Invalid("participants can only be added to group conversations")
		}
		if err := keydist.RequireActiveMember(ctx, tx, conversationID, sess.UserID()); err != nil {
			return err
		}
		if _, err := tx.Users().Get(ctx, userID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return apperr.NotFound("user not found")
			}
			return err
		}
		part = domain.Participant{ConversationID: conversationID, UserID: userID, JoinedAt: s.now()}
		return tx.Participants().Add(ctx, &part)
	})
	if err != nil {
		return domain.Participant{}, err
	}

	if err := s.keys.RequestRotation(ctx, conversationID, keydist.RotationRequired{Reason: keydist.ReasonMemberAdded, UserID: &userID}); err != nil {
		slog.Default().Error("rotation hint failed", "conversation_id", conversationID, "error", err)
	}
	return part, nil
}

// RemoveParticipant ends userID's membership. Members may leave on their own;
// only the creator may remove someone else. The removed user's envelopes are
// deleted and their pending delivery records stop counting.
func (s *Service) RemoveParticipant(ctx context.Context, sess *session.Session, conversationID, userID uuid.UUID) error {
	unlock := s.locks.Lock(keydist.ConversationLockKey(conversationID))

	var msgIDs []uuid.UUID
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		conv, err := s.conversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if userID != sess.UserID() {
			if conv.CreatedBy != sess.UserID() {
				return apperr.Forbidden("only the creator can remove other participants")
			}
			if err := keydist.RequireActiveMember(ctx, tx, conversationID, sess.UserID()); err != nil {
				return err
			}
		}
		left, err := tx.Participants().MarkLeft(ctx, conversationID, userID, s.now())
		if err != nil {
			return err
		}
		if !left {
			return apperr.NotFound("participant not found")
		}
		if _, err := tx.Envelopes().DeleteForOwner(ctx, conversationID, userID); err != nil {
			return err
		}
		msgIDs, err = s.tracker.ExcludeUser(ctx, tx, conversationID, userID)
		return err
	})
	if err != nil {
		unlock()
		return err
	}

	if err := s.keys.RequestRotation(ctx, conversationID, keydist.RotationRequired{Reason: keydist.ReasonMemberRemoved, UserID: &userID}); err != nil {
		slog.Default().Error("rotation hint failed", "conversation_id", conversationID, "error", err)
	}
	unlock()

	if len(msgIDs) > 0 && s.aggregates != nil {
		s.aggregates.NotifyAggregates(ctx, msgIDs)
	}
	slog.Default().Info("participant removed", "conversation_id", conversationID, "user_id", userID, "records_excluded", len(msgIDs))
	return nil
}

// DeviceKey is what a client needs to seal the conversation key for a device.
type DeviceKey struct {
	DeviceID    uuid.UUID `json:"deviceId"`
	UserID      uuid.UUID `json:"userId"`
	PublicKey   string    `json:"publicKey"`
	HasEnvelope bool      `json:"hasEnvelope"`
}

// Devices lists the effective device set: every non-revoked device of every
// active participant.
func (s *Service) Devices(ctx context.Context, sess *session.Session, conversationID uuid.UUID) ([]DeviceKey, error) {
	if _, err := s.conversation(ctx, s.store, conversationID); err != nil {
		return nil, err
	}
	if err := keydist.RequireActiveMember(ctx, s.store, conversationID, sess.UserID()); err != nil {
		return nil, err
	}
	devices, err := s.store.Devices().ListEffective(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	live, err := s.store.Envelopes().LiveTargets(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	holders := make(map[uuid.UUID]struct{}, len(live))
	for _, t := range live {
		holders[t.DeviceID] = struct{}{}
	}
	out := make([]DeviceKey, 0, len(devices))
	for _, d := range devices {
		_, has := holders[d.ID]
		out = append(out, DeviceKey{DeviceID: d.ID, UserID: d.UserID, PublicKey: d.PublicKey, HasEnvelope: has})
	}
	return out, nil
}

func (s *Service) conversation(ctx context.Context, st *store.Store, id uuid.UUID) (*domain.Conversation, error) {
	conv, err := st.Conversations().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, err
	}
	return conv, nil
}
