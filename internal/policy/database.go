package policy

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// LoadConfig returns the singleton config row, creating it with defaults on
// first use.
func (d *Database) LoadConfig() (*Config, error) {
	var cfg Config
	if err := d.db.First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg = *defaultConfig()
			if err := d.db.Create(&cfg).Error; err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (d *Database) SaveConfig(cfg *Config) error {
	return d.db.Save(cfg).Error
}

func (d *Database) CreateEmergencyRequest(req *EmergencyRequest) error {
	return d.db.Create(req).Error
}

// GetPendingRequest returns the requester's outstanding (non-executed)
// request, or nil if none exists.
func (d *Database) GetPendingRequest(requester string) (*EmergencyRequest, error) {
	var req EmergencyRequest
	if err := d.db.Where("requester = ? AND executed = ?", requester, false).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// ExecuteRequest runs the channel drain and persists the executed request in
// one transaction, so a failed drain leaves the request pending and a
// successful drain is never recorded against an unexecuted request.
func (d *Database) ExecuteRequest(req *EmergencyRequest, drain func(tx *gorm.DB) error) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := drain(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Save(req).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
