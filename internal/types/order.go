package types

import (
	"time"

	"gorm.io/gorm"
)

// Order side values.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order is a committed (and possibly revealed) hidden order. It is created as
// an empty shell when the commitment is submitted and populated on reveal.
// The commitment registry owns these records; the matching engine references
// them by commitment and flips the executed flag, never copies them.
type Order struct {
	gorm.Model `json:"-"`
	Commitment string    `gorm:"uniqueIndex" json:"commitment"`
	Trader     string    `json:"trader"`
	TokenIn    string    `json:"token_in"`
	TokenOut   string    `json:"token_out"`
	AmountIn   uint64    `json:"amount_in"`
	AmountOut  uint64    `json:"amount_out"`
	Side       string    `json:"side"` // BUY or SELL, empty until revealed
	Sequence   uint64    `gorm:"uniqueIndex" json:"sequence"`
	Revealed   bool      `json:"revealed"`
	Executed   bool      `json:"executed"`
	Cancelled  bool      `json:"cancelled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
