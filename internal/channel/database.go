package channel

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

// CreateChannelFunded creates the channel and records its funding movement in
// one transaction, so a failed funding leaves no channel behind.
func (d *Database) CreateChannelFunded(ch *StateChannel, fund func(tx *gorm.DB) error) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(ch).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := fund(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// SaveChannelAndRelease persists the channel state and runs the payout in one
// transaction, so a failed payout leaves the channel untouched.
func (d *Database) SaveChannelAndRelease(ch *StateChannel, payout func(tx *gorm.DB) error) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Save(ch).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := payout(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// getActiveChannel returns the owner's active channel, or nil if none.
// Closed channels are kept for audit; only one active channel may exist per
// owner. Takes the db handle so callers inside a transaction see their own
// uncommitted writes.
func getActiveChannel(db *gorm.DB, owner string) (*StateChannel, error) {
	var ch StateChannel
	if err := db.Where("owner = ? AND active = ?", owner, true).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ch, nil
}

func (d *Database) GetActiveChannel(owner string) (*StateChannel, error) {
	return getActiveChannel(d.db, owner)
}

func (d *Database) UpdateChannel(ch *StateChannel) error {
	return d.db.Save(ch).Error
}
