package domain

import "time"

type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

func (k ConversationKind) Valid() bool {
	return k == ConversationPrivate || k == ConversationGroup
}

type Conversation struct {
	ID        ConversationID   `gorm:"type:uuid;primaryKey" json:"id"`
	Kind      ConversationKind `gorm:"type:text;not null" json:"kind"`
	CreatedBy UserID           `gorm:"type:uuid;not null" json:"createdBy"`
	CreatedAt time.Time        `gorm:"not null" json:"createdAt"`
}

func (Conversation) TableName() string { return "conversations" }

type Participant struct {
	ConversationID ConversationID `gorm:"type:uuid;primaryKey" json:"conversationId"`
	UserID         UserID         `gorm:"type:uuid;primaryKey;index" json:"userId"`
	JoinedAt       time.Time      `gorm:"not null" json:"joinedAt"`
	LeftAt         *time.Time     `json:"leftAt,omitempty"`
}

func (Participant) TableName() string { return "participants" }

func (p *Participant) Active() bool { return p.LeftAt == nil }

// Envelope is the conversation key sealed for a single device. There is at
// most one row per (conversation, device); a newer submission overwrites it.
type Envelope struct {
	ConversationID    ConversationID `gorm:"type:uuid;primaryKey" json:"conversationId"`
	DeviceID          DeviceID       `gorm:"type:uuid;primaryKey;index" json:"deviceId"`
	ParticipantID     UserID         `gorm:"type:uuid;not null" json:"participantId"`
	OwnerID           UserID         `gorm:"type:uuid;not null;index" json:"ownerId"`
	EncryptedGroupKey string         `gorm:"type:text;not null" json:"encryptedGroupKey"`
	KeyVersion        int            `gorm:"not null;default:0" json:"keyVersion"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updatedAt"`
}

func (Envelope) TableName() string { return "participant_device_envelopes" }
