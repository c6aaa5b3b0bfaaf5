// Package channel implements the state-channel balance ledger: channels are
// funded on open, mutated only by nonce-increasing owner-signed updates or by
// credits and debits from already-verified settlements, and paid out on close
// or emergency drain.
package channel

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/veilex/veilex-api/internal/transfer"
	"github.com/veilex/veilex-api/pkg/protocol"
	"github.com/veilex/veilex-api/pkg/response"
	"gorm.io/gorm"
)

var (
	ErrChannelExists       = errors.New("owner already has an active channel")
	ErrChannelNotFound     = errors.New("no active channel for owner")
	ErrZeroBalance         = errors.New("initial balance must be positive")
	ErrStaleNonce          = errors.New("nonce must be strictly greater than current")
	ErrInvalidSignature    = errors.New("signature does not recover to channel owner")
	ErrInsufficientBalance = errors.New("debit exceeds channel balance")
)

// Service handles state-channel operations
type Service struct {
	db        *Database
	substrate transfer.Substrate
	now       func() time.Time
}

// NewService creates a new channel ledger backed by the given database and
// custody substrate
func NewService(gormDB *gorm.DB, substrate transfer.Substrate) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		substrate: substrate,
		now:       time.Now,
	}
}

// Open creates and funds a channel for owner with nonce 0. An owner holds at
// most one active channel.
func (s *Service) Open(owner string, initialBalance uint64) (*StateChannel, error) {
	if initialBalance == 0 {
		return nil, ErrZeroBalance
	}

	existing, err := s.db.GetActiveChannel(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing channel: %w", err)
	}
	if existing != nil {
		return nil, ErrChannelExists
	}

	ch := &StateChannel{
		Owner:        owner,
		Balance:      initialBalance,
		Nonce:        0,
		Active:       true,
		LastUpdateAt: s.now(),
	}
	// The funding movement itself belongs to the custody substrate; it is
	// recorded in the same transaction that creates the channel.
	err = s.db.CreateChannelFunded(ch, func(tx *gorm.DB) error {
		_, err := s.substrate.WithTx(tx).Transfer(owner, "settlement-core", "", initialBalance, transfer.KindFunding, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	log.Info().
		Str("owner", owner).
		Uint64("initial_balance", initialBalance).
		Msg("state channel opened")

	return ch, nil
}

// ApplySignedUpdate anchors an off-chain-agreed balance. The nonce must move
// strictly forward, and the update hash must recover to the owner; past that
// the owner's signed word is final, so the new balance is applied as-is.
func (s *Service) ApplySignedUpdate(owner string, req UpdateRequest) (*StateChannel, error) {
	ch, err := s.db.GetActiveChannel(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel: %w", err)
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}

	if req.NewNonce <= ch.Nonce {
		return nil, ErrStaleNonce
	}

	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	timestamp := time.Unix(req.Timestamp, 0)
	hash := protocol.UpdateHash(owner, req.NewBalance, req.NewNonce, timestamp)
	signer, err := protocol.RecoverSigner(hash, sig)
	if err != nil || signer != owner {
		return nil, ErrInvalidSignature
	}

	ch.Balance = req.NewBalance
	ch.Nonce = req.NewNonce
	ch.LastUpdateAt = s.now()
	if err := s.db.UpdateChannel(ch); err != nil {
		return nil, fmt.Errorf("failed to apply update: %w", err)
	}

	log.Info().
		Str("owner", owner).
		Uint64("balance", ch.Balance).
		Uint64("nonce", ch.Nonce).
		Msg("signed channel update applied")

	return ch, nil
}

// Close validates the CLOSE-tagged signature, deactivates the channel and
// releases the final balance to the owner.
func (s *Service) Close(owner string, req CloseRequest) (*StateChannel, error) {
	ch, err := s.db.GetActiveChannel(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel: %w", err)
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}

	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	hash := protocol.CloseHash(owner, req.FinalBalance)
	signer, err := protocol.RecoverSigner(hash, sig)
	if err != nil || signer != owner {
		return nil, ErrInvalidSignature
	}

	ch.Balance = req.FinalBalance
	ch.Active = false
	ch.Nonce++
	ch.LastUpdateAt = s.now()
	err = s.db.SaveChannelAndRelease(ch, func(tx *gorm.DB) error {
		if req.FinalBalance == 0 {
			return nil
		}
		_, err := s.substrate.WithTx(tx).Release(owner, req.FinalBalance, transfer.KindRelease, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close channel: %w", err)
	}

	log.Info().
		Str("owner", owner).
		Uint64("final_balance", req.FinalBalance).
		Msg("state channel closed")

	return ch, nil
}

// Credit adds amount to the owner's channel without a signature check. Only
// reachable from flows that already verified both parties' signatures
// (match settlement); the nonce still moves forward to keep the monotonic
// invariant. Runs against the caller's transaction so the credit commits or
// rolls back together with the state that authorizes it.
func (s *Service) Credit(tx *gorm.DB, owner string, amount uint64) error {
	ch, err := getActiveChannel(tx, owner)
	if err != nil {
		return fmt.Errorf("failed to fetch channel: %w", err)
	}
	if ch == nil {
		return ErrChannelNotFound
	}

	ch.Balance += amount
	ch.Nonce++
	ch.LastUpdateAt = s.now()
	return tx.Save(ch).Error
}

// Debit removes amount from the owner's channel under the same rules as
// Credit. The balance never goes negative.
func (s *Service) Debit(tx *gorm.DB, owner string, amount uint64) error {
	ch, err := getActiveChannel(tx, owner)
	if err != nil {
		return fmt.Errorf("failed to fetch channel: %w", err)
	}
	if ch == nil {
		return ErrChannelNotFound
	}
	if amount > ch.Balance {
		return ErrInsufficientBalance
	}

	ch.Balance -= amount
	ch.Nonce++
	ch.LastUpdateAt = s.now()
	return tx.Save(ch).Error
}

// EmergencyDrain deactivates the owner's channel and releases its whole
// balance, all against the caller's transaction. Called by the policy
// service after the emergency timelock elapsed; the timelock check lives
// there.
func (s *Service) EmergencyDrain(tx *gorm.DB, owner string) (uint64, error) {
	ch, err := getActiveChannel(tx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch channel: %w", err)
	}
	if ch == nil {
		return 0, ErrChannelNotFound
	}

	amount := ch.Balance
	ch.Balance = 0
	ch.Active = false
	ch.Nonce++
	ch.LastUpdateAt = s.now()
	if err := tx.Save(ch).Error; err != nil {
		return 0, fmt.Errorf("failed to drain channel: %w", err)
	}

	if amount > 0 {
		if _, err := s.substrate.WithTx(tx).Release(owner, amount, transfer.KindEmergency, owner); err != nil {
			return 0, fmt.Errorf("failed to release drained balance: %w", err)
		}
	}

	return amount, nil
}

// GetChannel retrieves the owner's active channel
func (s *Service) GetChannel(owner string) (*StateChannel, error) {
	ch, err := s.db.GetActiveChannel(owner)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// GinHandlers contains HTTP handlers for channel endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// OpenChannelHandler handles POST requests to open a funded channel for the
// authenticated identity
func (h *GinHandlers) OpenChannelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("identity")
		if owner == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		var req OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ch, err := h.service.Open(owner, req.InitialBalance)
		switch {
		case errors.Is(err, ErrZeroBalance):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ErrChannelExists):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, ch, err)
		}
	}
}

// ApplyUpdateHandler handles POST requests anchoring a signed off-chain
// balance update
func (h *GinHandlers) ApplyUpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("identity")
		if owner == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		var req UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ch, err := h.service.ApplySignedUpdate(owner, req)
		switch {
		case errors.Is(err, ErrChannelNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrStaleNonce):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrInvalidSignature):
			response.Forbidden(c, err.Error())
		default:
			response.Handle(c, ch, err)
		}
	}
}

// CloseChannelHandler handles POST requests for cooperative close
func (h *GinHandlers) CloseChannelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("identity")
		if owner == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		var req CloseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ch, err := h.service.Close(owner, req)
		switch {
		case errors.Is(err, ErrChannelNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrInvalidSignature):
			response.Forbidden(c, err.Error())
		default:
			response.Handle(c, ch, err)
		}
	}
}

// GetChannelHandler handles GET requests for channel state by owner
func (h *GinHandlers) GetChannelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.Param("owner")
		if owner == "" {
			response.BadRequest(c, "Owner is required")
			return
		}

		ch, err := h.service.GetChannel(owner)
		if errors.Is(err, ErrChannelNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, ch, err)
	}
}
