package domain

import "time"

// Message is stored exactly as the sender submitted it and never modified.
type Message struct {
	ID             MessageID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID ConversationID `gorm:"type:uuid;not null;index:idx_messages_conv_created,priority:1" json:"conversationId"`
	SenderID       UserID         `gorm:"type:uuid;not null" json:"senderId"`
	SenderDeviceID DeviceID       `gorm:"type:uuid;not null" json:"senderDeviceId"`
	Ciphertext     []byte         `gorm:"not null" json:"ciphertext"`
	KeyVersion     int            `gorm:"not null;default:0" json:"keyVersion"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_messages_conv_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string { return "messages" }

type DeliveryRecord struct {
	MessageID MessageID `gorm:"type:uuid;primaryKey" json:"messageId"`
	DeviceID  DeviceID  `gorm:"type:uuid;primaryKey;index:idx_delivery_device_status,priority:1" json:"deviceId"`
	UserID    UserID    `gorm:"type:uuid;not null" json:"userId"`
	Status    Status    `gorm:"not null;default:0;index:idx_delivery_device_status,priority:2" json:"status"`
	Excluded  bool      `gorm:"not null;default:false" json:"excluded"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

func (DeliveryRecord) TableName() string { return "delivery_records" }
