// Package transfer is the seam to the external custody substrate. The core
// never moves tokens itself: swap completion, channel close and emergency
// withdrawal delegate the notional movement here, and this implementation
// records every instruction so the movement stays auditable.
package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/veilex/veilex-api/pkg/response"
	"gorm.io/gorm"
)

// Instruction kinds.
const (
	KindFunding   = "FUNDING"
	KindSwap      = "SWAP"
	KindFee       = "FEE"
	KindRelease   = "RELEASE"
	KindEmergency = "EMERGENCY"
)

var ErrZeroAmount = errors.New("transfer amount must be positive")

// Record is a persisted transfer instruction handed to the custody substrate.
type Record struct {
	gorm.Model `json:"-"`
	TransferID string    `gorm:"uniqueIndex" json:"transfer_id"`
	FromParty  string    `json:"from_party"`
	ToParty    string    `json:"to_party"`
	Token      string    `json:"token"`
	Amount     uint64    `json:"amount"`
	Kind       string    `json:"kind"`
	Reference  string    `json:"reference"` // match, execution or request id
	CreatedAt  time.Time `json:"created_at"`
}

// Substrate is the custody capability the settlement core consumes.
type Substrate interface {
	// Transfer moves amount of token between two participants.
	Transfer(from, to, token string, amount uint64, kind, reference string) (*Record, error)
	// Release pays a channel balance out to its owner.
	Release(owner string, amount uint64, kind, reference string) (*Record, error)
	// WithTx returns a view of the substrate recording inside the caller's
	// transaction, so fund movements commit or roll back together with the
	// state change that authorizes them.
	WithTx(tx *gorm.DB) Substrate
}

// Ledger is the recording Substrate implementation used in this deployment.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) WithTx(tx *gorm.DB) Substrate {
	return &Ledger{db: tx}
}

func (l *Ledger) Transfer(from, to, token string, amount uint64, kind, reference string) (*Record, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}

	rec := &Record{
		TransferID: "TRF_" + uuid.New().String(),
		FromParty:  from,
		ToParty:    to,
		Token:      token,
		Amount:     amount,
		Kind:       kind,
		Reference:  reference,
		CreatedAt:  time.Now(),
	}
	if err := l.db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}

	log.Info().
		Str("transfer_id", rec.TransferID).
		Str("from", from).
		Str("to", to).
		Str("token", token).
		Uint64("amount", amount).
		Str("kind", kind).
		Str("reference", reference).
		Msg("transfer instruction recorded")

	return rec, nil
}

func (l *Ledger) Release(owner string, amount uint64, kind, reference string) (*Record, error) {
	return l.Transfer("settlement-core", owner, "", amount, kind, reference)
}

// ByReference returns every transfer recorded against a reference id.
func (l *Ledger) ByReference(reference string) ([]Record, error) {
	var records []Record
	if err := l.db.Where("reference = ?", reference).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch transfers: %w", err)
	}
	return records, nil
}

// GinHandlers contains HTTP handlers for transfer audit endpoints
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// ListTransfersHandler handles GET requests for the transfers recorded
// against a match, execution or request id
func (h *GinHandlers) ListTransfersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reference := c.Param("reference")
		if reference == "" {
			response.BadRequest(c, "Reference is required")
			return
		}

		records, err := h.ledger.ByReference(reference)
		response.Handle(c, records, err)
	}
}
