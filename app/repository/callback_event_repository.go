package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type callbackEventRepository struct {
	db *gorm.DB
}

// NewCallbackEventRepository creates a callback event repository backed by GORM.
func NewCallbackEventRepository(db *gorm.DB) CallbackEventRepository {
	return &callbackEventRepository{db: db}
}

// CreateIfNotExists inserts the event unless (provider, provider_event_id)
// already exists and returns the stored row either way.
func (r *callbackEventRepository) CreateIfNotExists(ctx context.Context, event *models.PaymentCallbackEvent) (bool, *models.PaymentCallbackEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentCallbackEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *callbackEventRepository) GetByID(ctx context.Context, id uint) (*models.PaymentCallbackEvent, error) {
	var event models.PaymentCallbackEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *callbackEventRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.PaymentCallbackEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *callbackEventRepository) SetArchivedKey(ctx context.Context, id uint, key string) error {
	return r.db.WithContext(ctx).Model(&models.PaymentCallbackEvent{}).Where("id = ?", id).
		Update("archived_key", key).Error
}
