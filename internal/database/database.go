package database

import (
	"fmt"

	"github.com/veilex/veilex-api/internal/channel"
	"github.com/veilex/veilex-api/internal/database/migrations"
	"github.com/veilex/veilex-api/internal/matching"
	"github.com/veilex/veilex-api/internal/policy"
	"github.com/veilex/veilex-api/internal/swap"
	"github.com/veilex/veilex-api/internal/transfer"
	"github.com/veilex/veilex-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&types.Order{},
		&swap.SwapOffer{},
		&swap.SwapExecution{},
		&matching.Match{},
		&channel.StateChannel{},
		&policy.Config{},
		&policy.EmergencyRequest{},
		&transfer.Record{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddSettlementIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
