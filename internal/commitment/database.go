package commitment

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

// CreateOrderWithSequence assigns the next global sequence nonce and creates
// the order shell in one transaction, so sequences stay strictly increasing
// even under concurrent submissions.
func (d *Database) CreateOrderWithSequence(order *types.Order) error {
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
	if err := tx.Model(&types.Order{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq).Error; err != nil {
		tx.Rollback()
		return err
	}
	order.Sequence = maxSeq + 1

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

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

func (d *Database) GetOrdersByTrader(trader string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("trader = ?", trader).Order("sequence ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}
