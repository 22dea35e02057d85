package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentCallbackEvent stores every inbound network notification with
// deduplication metadata so repeated deliveries can be short-circuited.
type PaymentCallbackEvent struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	Provider        string            `gorm:"type:varchar(16);not null;index:ux_payment_callback_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string            `gorm:"type:varchar(191);not null;default:'';index:ux_payment_callback_events_provider_event,unique,priority:2" json:"provider_event_id"`
	OrderID         string            `gorm:"type:varchar(64);not null;default:'';index" json:"order_id"`
	EventType       string            `gorm:"type:varchar(64);not null;default:''" json:"event_type"`
	PayloadRaw      string            `gorm:"type:longtext;not null" json:"payload_raw"`
	Headers         datatypes.JSONMap `gorm:"type:json" json:"headers,omitempty"`
	SignatureValid  bool              `gorm:"default:false;index" json:"signature_valid"`
	ProcessedAt     *time.Time        `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string            `gorm:"type:text" json:"processing_error"`
	ArchivedKey     string            `gorm:"type:varchar(255);default:''" json:"archived_key,omitempty"`
	CreatedAt       time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsSettled reports whether a previous delivery of this event was processed
// without error.
func (e *PaymentCallbackEvent) IsSettled() bool {
	return e != nil && e.ProcessedAt != nil && e.ProcessingError == ""
}
