package swap

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOfferWithSequence assigns the next global offer sequence, derives the
// commitment from it and creates the offer in one transaction. The sequence
// in the commitment preimage keeps commitments unique across the engine even
// for identical terms.
func (d *Database) CreateOfferWithSequence(offer *SwapOffer, commitmentFor func(seq uint64) string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var maxSeq uint64
	if err := tx.Model(&SwapOffer{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq).Error; err != nil {
		tx.Rollback()
		return err
	}
	offer.Sequence = maxSeq + 1
	offer.Commitment = commitmentFor(offer.Sequence)

	if err := tx.Create(offer).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetOffer(commitment string) (*SwapOffer, error) {
	var offer SwapOffer
	if err := d.db.Where("commitment = ?", commitment).First(&offer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &offer, nil
}

func (d *Database) UpdateOffer(offer *SwapOffer) error {
	return d.db.Save(offer).Error
}

// GetActiveOffers lists offers still open for taking at the given time.
func (d *Database) GetActiveOffers(now time.Time) ([]SwapOffer, error) {
	var offers []SwapOffer
	if err := d.db.Where("active = ? AND expires_at > ?", true, now).
		Order("sequence ASC").Find(&offers).Error; err != nil {
		return nil, err
	}
	return offers, nil
}

// CreateExecutionAndDeactivateOffer binds the taker and retires the offer in
// one transaction, so an offer can be taken exactly once.
func (d *Database) CreateExecutionAndDeactivateOffer(exec *SwapExecution, offer *SwapOffer) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(exec).Error; err != nil {
		tx.Rollback()
		return err
	}

	offer.Active = false
	if err := tx.Save(offer).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetExecution(executionID string) (*SwapExecution, error) {
	var exec SwapExecution
	if err := d.db.Where("execution_id = ?", executionID).First(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &exec, nil
}

func (d *Database) UpdateExecution(exec *SwapExecution) error {
	return d.db.Save(exec).Error
}

// CompleteExecution persists the completed execution and records its fund
// movements in one transaction, so a failed transfer leaves the execution
// incomplete and no movement recorded.
func (d *Database) CompleteExecution(exec *SwapExecution, move func(tx *gorm.DB) error) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := move(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Save(exec).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// DeactivateExpiredOffers retires offers whose expiry has passed. Returns
// the number of offers swept.
func (d *Database) DeactivateExpiredOffers(now time.Time) (int64, error) {
	res := d.db.Model(&SwapOffer{}).
		Where("active = ? AND expires_at <= ?", true, now).
		Update("active", false)
	return res.RowsAffected, res.Error
}
