package matching

import (
	"errors"

	"github.com/veilex/veilex-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOrder retrieves an order owned by the commitment registry. The matching
// engine reads orders in place and only ever flips their executed flag.
func (d *Database) GetOrder(commitment string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("commitment = ?", commitment).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// CreateMatchAndExecuteOrders creates the match and marks both orders
// executed in one transaction, so a replayed match call observes executed
// orders and is rejected rather than double-binding.
func (d *Database) CreateMatchAndExecuteOrders(match *Match, buy, sell *types.Order) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(match).Error; err != nil {
		tx.Rollback()
		return err
	}

	buy.Executed = true
	if err := tx.Save(buy).Error; err != nil {
		tx.Rollback()
		return err
	}

	sell.Executed = true
	if err := tx.Save(sell).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetMatch(matchID string) (*Match, error) {
	var match Match
	if err := d.db.Where("match_id = ?", matchID).First(&match).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &match, nil
}

// SettleMatch persists the settled match and applies the settlement credits
// in one transaction, so a failed credit leaves the match unsettled and no
// balance changed.
func (d *Database) SettleMatch(match *Match, credit func(tx *gorm.DB) error) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := credit(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Save(match).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetMatchesByTrader(trader string) ([]Match, error) {
	var matches []Match
	if err := d.db.Where("buy_trader = ? OR sell_trader = ?", trader, trader).
		Order("created_at DESC").Find(&matches).Error; err != nil {
		return nil, err
	}
	return matches, nil
}
