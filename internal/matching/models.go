package matching

import (
	"time"

	"gorm.io/gorm"
)

// Match is a bound pair of compatible revealed orders awaiting settlement.
// AmountBuySide is what the buy trader pays (and the sell trader receives);
// AmountSellSide is the sell order's full input amount, received by the buy
// trader. Settled flips exactly once, through signature-authenticated
// settlement.
type Match struct {
	gorm.Model     `json:"-"`
	MatchID        string    `gorm:"uniqueIndex" json:"match_id"`
	BuyCommitment  string    `json:"buy_commitment"`
	SellCommitment string    `json:"sell_commitment"`
	BuyTrader      string    `json:"buy_trader"`
	SellTrader     string    `json:"sell_trader"`
	TokenBuySide   string    `json:"token_buy_side"`  // token the buy trader pays in
	TokenSellSide  string    `json:"token_sell_side"` // token the sell trader pays in
	AmountBuySide  uint64    `json:"amount_buy_side"`
	AmountSellSide uint64    `json:"amount_sell_side"`
	Settled        bool      `json:"settled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MatchRequest names the two commitments to bind.
type MatchRequest struct {
	CommitmentA string `json:"commitment_a" binding:"required"`
	CommitmentB string `json:"commitment_b" binding:"required"`
}

// SettleRequest carries both participants' signatures over the canonical
// settlement hash.
type SettleRequest struct {
	BuySignature  string `json:"buy_signature" binding:"required"`
	SellSignature string `json:"sell_signature" binding:"required"`
}
