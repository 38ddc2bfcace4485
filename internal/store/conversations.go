package store

import (
	"context"
	"time"

	"convcore/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversationStore struct{ db *gorm.DB }

func (s *Store) Conversations() *ConversationStore { return &ConversationStore{db: s.DB} }

func (c *ConversationStore) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	return errors.Wrap(translate(c.db.WithContext(ctx).Create(conv).Error), "store.Conversations.Create")
}

func (c *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

type ParticipantStore struct{ db *gorm.DB }

func (s *Store) Participants() *ParticipantStore { return &ParticipantStore{db: s.DB} }

// Add makes the user an active member, rejoining if they had left.
func (p *ParticipantStore) Add(ctx context.Context, part *domain.Participant) error {
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"joined_at": part.JoinedAt,
				"left_at":   nil,
			}),
		}).
		Create(part).Error
	return errors.Wrap(translate(err), "store.Participants.Add")
}

func (p *ParticipantStore) Get(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Participant, error) {
	var part domain.Participant
	err := p.db.WithContext(ctx).
		First(&part, "conversation_id = ? AND user_id = ?", conversationID, userID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &part, nil
}

func (p *ParticipantStore) ListActive(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	var parts []domain.Participant
	err := p.db.WithContext(ctx).
		Where("conversation_id = ? AND left_at IS NULL", conversationID).
		Order("joined_at asc").
		Find(&parts).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Participants.ListActive")
	}
	return parts, nil
}

// ConversationIDsForUser lists conversations the user is an active member of.
func (p *ParticipantStore) ConversationIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := p.db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Order("conversation_id asc").
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(translate(err), "store.Participants.ConversationIDsForUser")
	}
	return ids, nil
}

func (p *ParticipantStore) MarkLeft(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (bool, error) {
	res := p.db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", conversationID, userID).
		Update("left_at", at)
	if res.Error != nil {
		return false, errors.Wrap(translate(res.Error), "store.Participants.MarkLeft")
	}
	return res.RowsAffected > 0, nil
}
