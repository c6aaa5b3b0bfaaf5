package policy

import (
	"time"

	"gorm.io/gorm"
)

// Config holds the protocol parameters that administrators may tune at
// runtime. Exactly one row exists; it is cached in memory and written through
// on every update.
type Config struct {
	gorm.Model            `json:"-"`
	FeeBps                uint64    `json:"fee_bps"`
	MinSwapAmount         uint64    `json:"min_swap_amount"`
	MaxSwapAmount         uint64    `json:"max_swap_amount"`
	RevealWindowSecs      uint64    `json:"reveal_window_secs"`
	MaxExpiryHorizonSecs  uint64    `json:"max_expiry_horizon_secs"`
	EmergencyTimelockSecs uint64    `json:"emergency_timelock_secs"`
	EmergencyMode         bool      `json:"emergency_mode"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Defaults and hard caps. FeeBpsCap bounds what an administrator can set;
// it is not itself configurable.
const (
	FeeBpsCap = 1000 // 10%

	defaultFeeBps            = 30
	defaultMinSwapAmount     = 1
	defaultMaxSwapAmount     = 1_000_000_000_000
	defaultRevealWindowSecs  = 3600
	defaultExpiryHorizonSecs = 7 * 24 * 3600
	defaultTimelockSecs      = 48 * 3600
)

func defaultConfig() *Config {
	return &Config{
		FeeBps:                defaultFeeBps,
		MinSwapAmount:         defaultMinSwapAmount,
		MaxSwapAmount:         defaultMaxSwapAmount,
		RevealWindowSecs:      defaultRevealWindowSecs,
		MaxExpiryHorizonSecs:  defaultExpiryHorizonSecs,
		EmergencyTimelockSecs: defaultTimelockSecs,
	}
}

// EmergencyRequest is a timelocked unilateral withdrawal request. At most one
// non-executed request exists per requester.
type EmergencyRequest struct {
	gorm.Model  `json:"-"`
	RequestID   string    `gorm:"uniqueIndex" json:"request_id"`
	Requester   string    `json:"requester"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
	Executed    bool      `json:"executed"`
	ExecutedAt  time.Time `json:"executed_at,omitempty"`
	Amount      uint64    `json:"amount"`
}

// ConfigUpdate is the admin request body for tuning protocol parameters.
// Nil fields are left unchanged.
type ConfigUpdate struct {
	FeeBps                *uint64 `json:"fee_bps"`
	MinSwapAmount         *uint64 `json:"min_swap_amount"`
	MaxSwapAmount         *uint64 `json:"max_swap_amount"`
	RevealWindowSecs      *uint64 `json:"reveal_window_secs"`
	MaxExpiryHorizonSecs  *uint64 `json:"max_expiry_horizon_secs"`
	EmergencyTimelockSecs *uint64 `json:"emergency_timelock_secs"`
}
