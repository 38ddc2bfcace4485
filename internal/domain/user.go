package domain

import "time"

type User struct {
	ID         UserID    `gorm:"type:uuid;primaryKey" json:"id"`
	Username   string    `gorm:"type:text" json:"username,omitempty"`
	IsDisabled bool      `gorm:"not null;default:false" json:"isDisabled"`
	CreatedAt  time.Time `gorm:"not null" json:"createdAt"`
}

func (User) TableName() string { return "users" }

// Device is one client install. PublicKey is the base64 X25519 key that
// envelopes for this device are sealed to. Devices are revoked, never deleted.
type Device struct {
	ID        DeviceID   `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    UserID     `gorm:"type:uuid;not null;index" json:"userId"`
	Name      string     `gorm:"type:text;not null" json:"name"`
	PublicKey string     `gorm:"type:text;not null" json:"publicKey"`
	CreatedAt time.Time  `gorm:"not null" json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (Device) TableName() string { return "devices" }

func (d *Device) Revoked() bool { return d.RevokedAt != nil }
