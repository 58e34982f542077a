package repository

import (
	"time"

	"github.com/pccr10001/gsmux/internal/model"
	"gorm.io/gorm"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Open(s *model.SocketSession) error {
	s.State = "open"
	if s.OpenedAt.IsZero() {
		s.OpenedAt = time.Now()
	}
	return r.db.Create(s).Error
}

// AddTraffic adds to the byte counters of an open session.
func (r *SessionRepository) AddTraffic(id uint, in, out int64) error {
	if in == 0 && out == 0 {
		return nil
	}
	return r.db.Model(&model.SocketSession{}).Where("id = ?", id).Updates(map[string]any{
		"bytes_in":  gorm.Expr("bytes_in + ?", in),
		"bytes_out": gorm.Expr("bytes_out + ?", out),
	}).Error
}

// Close marks the session closed. Closing twice keeps the first reason.
func (r *SessionRepository) Close(id uint, reason string) error {
	now := time.Now()
	return r.db.Model(&model.SocketSession{}).Where("id = ? AND state = ?", id, "open").Updates(map[string]any{
		"state":        "closed",
		"close_reason": reason,
		"closed_at":    &now,
	}).Error
}

func (r *SessionRepository) FindByID(id uint) (*model.SocketSession, error) {
	var s model.SocketSession
	err := r.db.First(&s, id).Error
	return &s, err
}

// FindByIMEI lists the most recent sessions of a modem, newest first.
func (r *SessionRepository) FindByIMEI(imei string, limit int) ([]model.SocketSession, error) {
	var list []model.SocketSession
	err := r.db.Where("imei = ?", imei).Order("opened_at desc").Limit(limit).Find(&list).Error
	return list, err
}

// CloseAllOpen closes sessions left open by a previous run.
func (r *SessionRepository) CloseAllOpen(reason string) error {
	now := time.Now()
	return r.db.Model(&model.SocketSession{}).Where("state = ?", "open").Updates(map[string]any{
		"state":        "closed",
		"close_reason": reason,
		"closed_at":    &now,
	}).Error
}
