package repository

import (
	"github.com/pccr10001/gsmux/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ModemRepository struct {
	db *gorm.DB
}

func NewModemRepository(db *gorm.DB) *ModemRepository {
	return &ModemRepository{db: db}
}

// Upsert inserts the modem or refreshes its runtime fields; the user-set name survives.
func (r *ModemRepository) Upsert(modem *model.Modem) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "imei"}},
		DoUpdates: clause.AssignmentColumns([]string{"dialect", "info", "port_name", "status", "signal_strength", "operator", "registration", "local_ip", "last_seen"}),
	}).Create(modem).Error
}

func (r *ModemRepository) FindByIMEI(imei string) (*model.Modem, error) {
	var modem model.Modem
	err := r.db.First(&modem, "imei = ?", imei).Error
	return &modem, err
}

func (r *ModemRepository) SetStatus(imei, status string) error {
	return r.db.Model(&model.Modem{}).Where("imei = ?", imei).Update("status", status).Error
}

func (r *ModemRepository) MarkAllOffline() {
	r.db.Model(&model.Modem{}).Where("1 = 1").Update("status", "offline")
}
