package swap

import (
	"time"

	"gorm.io/gorm"
)

// SwapOffer is a commitment-bound peer-to-peer offer. Take, cancel and
// expiry are mutually exclusive terminal transitions out of the active
// state: a taken offer is inactive but not cancelled, a cancelled offer
// carries both flags.
type SwapOffer struct {
	gorm.Model `json:"-"`
	Commitment string    `gorm:"uniqueIndex" json:"commitment"`
	Offerer    string    `json:"offerer"`
	TokenIn    string    `json:"token_in"`
	TokenOut   string    `json:"token_out"`
	AmountIn   uint64    `json:"amount_in"`
	AmountOut  uint64    `json:"amount_out"`
	Sequence   uint64    `gorm:"uniqueIndex" json:"sequence"`
	ExpiresAt  time.Time `json:"expires_at"`
	Active     bool      `json:"active"`
	Cancelled  bool      `json:"cancelled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SwapExecution binds a taker to an offer. Completed and disputed are
// mutually exclusive terminal states, each settable once.
type SwapExecution struct {
	gorm.Model  `json:"-"`
	ExecutionID string    `gorm:"uniqueIndex" json:"execution_id"`
	Commitment  string    `json:"commitment"`
	Offerer     string    `json:"offerer"`
	Taker       string    `json:"taker"`
	TokenIn     string    `json:"token_in"`
	TokenOut    string    `json:"token_out"`
	AmountIn    uint64    `json:"amount_in"`
	AmountOut   uint64    `json:"amount_out"`
	BindTime    time.Time `json:"bind_time"`
	Completed   bool      `json:"completed"`
	Disputed    bool      `json:"disputed"`
	FeePaid     uint64    `json:"fee_paid"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateOfferRequest creates a new offer. TTLSecs of zero picks the default
// offer lifetime; the resulting expiry must stay within the configured
// horizon.
type CreateOfferRequest struct {
	TokenIn     string `json:"token_in" binding:"required"`
	TokenOut    string `json:"token_out" binding:"required"`
	AmountIn    uint64 `json:"amount_in"`
	AmountOut   uint64 `json:"amount_out"`
	SecretNonce uint64 `json:"secret_nonce"`
	TTLSecs     uint64 `json:"ttl_secs"`
}

// TakeOfferRequest binds the caller to an offer. The secret nonce must
// reproduce the offer commitment against the stored fields.
type TakeOfferRequest struct {
	SecretNonce uint64 `json:"secret_nonce"`
}

// CompleteSwapRequest carries both parties' signatures over the canonical
// execution hash.
type CompleteSwapRequest struct {
	OffererSignature string `json:"offerer_signature" binding:"required"`
	TakerSignature   string `json:"taker_signature" binding:"required"`
}
