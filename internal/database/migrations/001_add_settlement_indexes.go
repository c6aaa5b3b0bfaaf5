package migrations

import (
	"gorm.io/gorm"
)

// AddSettlementIndexes creates the lookup indexes the hot paths depend on.
// Using raw SQL for index creation to have more control over index types.
func AddSettlementIndexes(db *gorm.DB) error {
	indexes := []string{
		// Active-channel lookups by owner
		`CREATE INDEX IF NOT EXISTS idx_state_channels_owner_active
		 ON state_channels(owner, active)`,

		// Pending emergency requests per requester
		`CREATE INDEX IF NOT EXISTS idx_emergency_requests_requester_executed
		 ON emergency_requests(requester, executed)`,

		// Open-offer browsing
		`CREATE INDEX IF NOT EXISTS idx_swap_offers_active_expires_at
		 ON swap_offers(active, expires_at)`,

		// Trader order history
		`CREATE INDEX IF NOT EXISTS idx_orders_trader
		 ON orders(trader)`,

		// Match lookups by either participant
		`CREATE INDEX IF NOT EXISTS idx_matches_buy_trader
		 ON matches(buy_trader)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_sell_trader
		 ON matches(sell_trader)`,

		// Transfer audit by reference id
		`CREATE INDEX IF NOT EXISTS idx_records_reference
		 ON records(reference)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
