package repository

import (
	"github.com/pccr10001/gsmux/internal/model"
	"gorm.io/gorm"
)

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) Create(webhook *model.Webhook) error {
	if webhook.Event == "" {
		webhook.Event = model.EventSMS
	}
	return r.db.Create(webhook).Error
}

// FindEnabled returns the enabled webhooks of one modem subscribed to event.
func (r *WebhookRepository) FindEnabled(imei, event string) ([]model.Webhook, error) {
	var list []model.Webhook
	err := r.db.Where("imei = ? AND event = ? AND enabled = ?", imei, event, true).Find(&list).Error
	return list, err
}

func (r *WebhookRepository) FindByIMEI(imei string) ([]model.Webhook, error) {
	var list []model.Webhook
	err := r.db.Where("imei = ?", imei).Find(&list).Error
	return list, err
}

func (r *WebhookRepository) Delete(id uint) error {
	return r.db.Delete(&model.Webhook{}, id).Error
}
