package indexer

import (
	"time"

	"gorm.io/gorm"
)

// Action statuses.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// ActionRecord is one action as seen by a batch, accepted or not.
type ActionRecord struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	BatchID         string    `gorm:"size:36;index" json:"batchId"`
	Layer           uint32    `gorm:"index:idx_actions_sender,priority:1" json:"layer"`
	SenderID        uint32    `gorm:"index:idx_actions_sender,priority:2" json:"senderId"`
	Cawonce         uint32    `json:"cawonce"`
	Type            string    `gorm:"size:16" json:"type"`
	ReceiverID      uint32    `json:"receiverId,omitempty"`
	ReceiverCawonce uint32    `json:"receiverCawonce,omitempty"`
	CawID           uint64    `json:"cawId,omitempty"`
	TargetCawID     uint64    `gorm:"index" json:"targetCawId,omitempty"`
	Text            string    `json:"text,omitempty"`
	Status          string    `gorm:"size:16;index" json:"status"`
	Reason          string    `gorm:"size:32" json:"reason,omitempty"`
	Message         string    `json:"message,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// BatchRecord summarises one processed batch.
type BatchRecord struct {
	BatchID     string `gorm:"primaryKey;size:36"`
	Layer       uint32 `gorm:"index"`
	ValidatorID uint32
	Accepted    int
	Rejected    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AutoMigrate creates or updates the indexer tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&BatchRecord{}, &ActionRecord{})
}
