// Package swap implements the peer-to-peer atomic-swap flow: a
// commitment-bound offer, a single take, signature-authenticated completion
// and the cancel/dispute terminal paths. It parallels the order-book flow
// but binds exactly one counterparty.
package swap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/veilex/veilex-api/internal/transfer"
	"github.com/veilex/veilex-api/pkg/protocol"
	"github.com/veilex/veilex-api/pkg/response"
	"gorm.io/gorm"
)

const (
	defaultOfferTTL = time.Hour

	// Collector identity for proportional completion fees.
	feePool = "fee-pool"
)

var (
	ErrSameToken          = errors.New("token in and token out must differ")
	ErrAmountOutOfBounds  = errors.New("amount in is outside the configured bounds")
	ErrZeroAmountOut      = errors.New("amount out must be positive")
	ErrExpiryTooFar       = errors.New("expiry exceeds the maximum horizon")
	ErrOfferNotFound      = errors.New("offer not found")
	ErrOfferInactive      = errors.New("offer is no longer active")
	ErrOfferCancelled     = errors.New("offer is cancelled")
	ErrOfferExpired       = errors.New("offer has expired")
	ErrSelfTake           = errors.New("offerer cannot take their own offer")
	ErrCommitmentMismatch = errors.New("secret nonce does not reproduce the offer commitment")
	ErrExecutionNotFound  = errors.New("swap execution not found")
	ErrAlreadyCompleted   = errors.New("swap already completed")
	ErrDisputed           = errors.New("swap is disputed")
	ErrInvalidSignature   = errors.New("signature does not recover to a swap party")
	ErrNotOfferer         = errors.New("caller does not own this offer")
)

// Policy supplies the swap engine's runtime parameters. Satisfied by the
// policy service.
type Policy interface {
	FeeBps() uint64
	SwapBounds() (uint64, uint64)
	MaxExpiryHorizon() time.Duration
}

// Service handles the atomic-swap offer lifecycle
type Service struct {
	db        *Database
	policy    Policy
	substrate transfer.Substrate
	now       func() time.Time
}

// NewService creates a new swap engine backed by the given database, policy
// and custody substrate
func NewService(gormDB *gorm.DB, policy Policy, substrate transfer.Substrate) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		policy:    policy,
		substrate: substrate,
		now:       time.Now,
	}
}

// CreateOffer validates the terms and records a new active offer. The
// commitment is derived from the full offer tuple plus the engine's global
// offer sequence.
func (s *Service) CreateOffer(offerer string, req CreateOfferRequest) (*SwapOffer, error) {
	if req.TokenIn == req.TokenOut {
		return nil, ErrSameToken
	}
	minAmount, maxAmount := s.policy.SwapBounds()
	if req.AmountIn < minAmount || req.AmountIn > maxAmount {
		return nil, ErrAmountOutOfBounds
	}
	if req.AmountOut == 0 {
		return nil, ErrZeroAmountOut
	}

	ttl := defaultOfferTTL
	if req.TTLSecs > 0 {
		ttl = time.Duration(req.TTLSecs) * time.Second
	}
	if ttl > s.policy.MaxExpiryHorizon() {
		return nil, ErrExpiryTooFar
	}

	now := s.now()
	offer := &SwapOffer{
		Offerer:   offerer,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  req.AmountIn,
		AmountOut: req.AmountOut,
		ExpiresAt: now.Add(ttl),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.CreateOfferWithSequence(offer, func(seq uint64) string {
		return protocol.OfferCommitment(offerer, req.TokenIn, req.TokenOut,
			req.AmountIn, req.AmountOut, offer.ExpiresAt, seq, req.SecretNonce)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	log.Info().
		Str("commitment", offer.Commitment).
		Str("offerer", offerer).
		Uint64("amount_in", offer.AmountIn).
		Uint64("amount_out", offer.AmountOut).
		Time("expires_at", offer.ExpiresAt).
		Msg("swap offer created")

	return offer, nil
}

// TakeOffer binds the caller to an active, unexpired offer. The supplied
// secret nonce must reproduce the commitment from the stored offer fields;
// a successful take retires the offer, so it can be taken exactly once.
func (s *Service) TakeOffer(taker, commitmentID string, req TakeOfferRequest) (*SwapExecution, error) {
	offer, err := s.db.GetOffer(commitmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offer: %w", err)
	}
	if offer == nil {
		return nil, ErrOfferNotFound
	}
	if offer.Cancelled {
		return nil, ErrOfferCancelled
	}
	if !offer.Active {
		return nil, ErrOfferInactive
	}
	if !s.now().Before(offer.ExpiresAt) {
		return nil, ErrOfferExpired
	}
	if taker == offer.Offerer {
		return nil, ErrSelfTake
	}

	recomputed := protocol.OfferCommitment(offer.Offerer, offer.TokenIn, offer.TokenOut,
		offer.AmountIn, offer.AmountOut, offer.ExpiresAt, offer.Sequence, req.SecretNonce)
	if recomputed != offer.Commitment {
		return nil, ErrCommitmentMismatch
	}

	bindTime := s.now()
	exec := &SwapExecution{
		ExecutionID: protocol.ExecutionID(offer.Commitment, taker, bindTime),
		Commitment:  offer.Commitment,
		Offerer:     offer.Offerer,
		Taker:       taker,
		TokenIn:     offer.TokenIn,
		TokenOut:    offer.TokenOut,
		AmountIn:    offer.AmountIn,
		AmountOut:   offer.AmountOut,
		BindTime:    bindTime,
		CreatedAt:   bindTime,
		UpdatedAt:   bindTime,
	}

	if err := s.db.CreateExecutionAndDeactivateOffer(exec, offer); err != nil {
		return nil, fmt.Errorf("failed to bind taker: %w", err)
	}

	log.Info().
		Str("execution_id", exec.ExecutionID).
		Str("commitment", offer.Commitment).
		Str("offerer", offer.Offerer).
		Str("taker", taker).
		Msg("swap offer taken")

	return exec, nil
}

// CompleteSwap verifies both parties' signatures over the canonical
// execution hash, takes the proportional fee and hands the notional
// transfers to the custody substrate.
func (s *Service) CompleteSwap(executionID string, req CompleteSwapRequest) (*SwapExecution, error) {
	exec, err := s.db.GetExecution(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution: %w", err)
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	if exec.Completed {
		return nil, ErrAlreadyCompleted
	}
	if exec.Disputed {
		return nil, ErrDisputed
	}

	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)

	offererSig, err := hex.DecodeString(req.OffererSignature)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	takerSig, err := hex.DecodeString(req.TakerSignature)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	offererSigner, err := protocol.RecoverSigner(hash, offererSig)
	if err != nil || offererSigner != exec.Offerer {
		return nil, ErrInvalidSignature
	}
	takerSigner, err := protocol.RecoverSigner(hash, takerSig)
	if err != nil || takerSigner != exec.Taker {
		return nil, ErrInvalidSignature
	}

	// fee = amountIn * feeBps / 10000, truncated toward zero. Taken before
	// the notional transfers. The bps cap keeps the fee at or below
	// amountIn, so it always fits a uint64.
	fee, _ := decimal.NewFromUint64(exec.AmountIn).
		Mul(decimal.NewFromUint64(s.policy.FeeBps())).
		QuoRem(decimal.NewFromInt(10000), 0)
	feePaid := fee.BigInt().Uint64()

	// All three legs and the completed flag land in one transaction, so a
	// failed transfer leaves no movement recorded and the execution still
	// completable.
	exec.Completed = true
	exec.FeePaid = feePaid
	exec.UpdatedAt = s.now()
	err = s.db.CompleteExecution(exec, func(tx *gorm.DB) error {
		sub := s.substrate.WithTx(tx)
		if feePaid > 0 {
			if _, err := sub.Transfer(exec.Offerer, feePool, exec.TokenIn, feePaid, transfer.KindFee, exec.ExecutionID); err != nil {
				return fmt.Errorf("failed to take completion fee: %w", err)
			}
		}
		if _, err := sub.Transfer(exec.Offerer, exec.Taker, exec.TokenIn, exec.AmountIn-feePaid, transfer.KindSwap, exec.ExecutionID); err != nil {
			return fmt.Errorf("failed to transfer offer leg: %w", err)
		}
		if _, err := sub.Transfer(exec.Taker, exec.Offerer, exec.TokenOut, exec.AmountOut, transfer.KindSwap, exec.ExecutionID); err != nil {
			return fmt.Errorf("failed to transfer taker leg: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("execution_id", exec.ExecutionID).
		Uint64("fee_paid", feePaid).
		Msg("swap completed")

	return exec, nil
}

// CancelOffer terminally cancels the caller's active offer. Cancelled is
// distinguishable from taken: both retire the offer, only cancel sets the
// cancelled flag.
func (s *Service) CancelOffer(caller, commitmentID string) (*SwapOffer, error) {
	offer, err := s.db.GetOffer(commitmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offer: %w", err)
	}
	if offer == nil {
		return nil, ErrOfferNotFound
	}
	if offer.Offerer != caller {
		return nil, ErrNotOfferer
	}
	if !offer.Active {
		return nil, ErrOfferInactive
	}

	offer.Active = false
	offer.Cancelled = true
	offer.UpdatedAt = s.now()
	if err := s.db.UpdateOffer(offer); err != nil {
		return nil, fmt.Errorf("failed to cancel offer: %w", err)
	}

	log.Info().
		Str("commitment", offer.Commitment).
		Str("offerer", caller).
		Msg("swap offer cancelled")

	return offer, nil
}

// DisputeSwap marks an execution disputed, terminally blocking completion.
// Operator role only; available only before completion.
func (s *Service) DisputeSwap(executionID string) (*SwapExecution, error) {
	exec, err := s.db.GetExecution(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution: %w", err)
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	if exec.Completed {
		return nil, ErrAlreadyCompleted
	}
	if exec.Disputed {
		return nil, ErrDisputed
	}

	exec.Disputed = true
	exec.UpdatedAt = s.now()
	if err := s.db.UpdateExecution(exec); err != nil {
		return nil, fmt.Errorf("failed to mark execution disputed: %w", err)
	}

	log.Warn().
		Str("execution_id", exec.ExecutionID).
		Msg("swap execution disputed")

	return exec, nil
}

// GetOffer retrieves an offer by commitment
func (s *Service) GetOffer(commitmentID string) (*SwapOffer, error) {
	offer, err := s.db.GetOffer(commitmentID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, ErrOfferNotFound
	}
	return offer, nil
}

// GetActiveOffers lists offers currently open for taking
func (s *Service) GetActiveOffers() ([]SwapOffer, error) {
	return s.db.GetActiveOffers(s.now())
}

// GetExecution retrieves a swap execution by ID
func (s *Service) GetExecution(executionID string) (*SwapExecution, error) {
	exec, err := s.db.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// GetDB exposes the database for the background processor.
func (s *Service) GetDB() *Database {
	return s.db
}

// GinHandlers contains HTTP handlers for swap endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateOfferHandler handles POST requests creating swap offers
func (h *GinHandlers) CreateOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offerer := c.GetString("identity")
		if offerer == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		var req CreateOfferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		offer, err := h.service.CreateOffer(offerer, req)
		switch {
		case errors.Is(err, ErrSameToken), errors.Is(err, ErrAmountOutOfBounds),
			errors.Is(err, ErrZeroAmountOut), errors.Is(err, ErrExpiryTooFar):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, offer, err)
		}
	}
}

// TakeOfferHandler handles POST requests binding the caller to an offer
func (h *GinHandlers) TakeOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		taker := c.GetString("identity")
		if taker == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		commitmentID := c.Param("commitment")
		var req TakeOfferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		exec, err := h.service.TakeOffer(taker, commitmentID, req)
		switch {
		case errors.Is(err, ErrOfferNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrOfferCancelled), errors.Is(err, ErrOfferInactive), errors.Is(err, ErrSelfTake):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrOfferExpired):
			response.TooLate(c, err.Error())
		case errors.Is(err, ErrCommitmentMismatch):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, exec, err)
		}
	}
}

// CompleteSwapHandler handles POST requests completing an execution with
// both parties' signatures
func (h *GinHandlers) CompleteSwapHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		executionID := c.Param("execution_id")

		var req CompleteSwapRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		exec, err := h.service.CompleteSwap(executionID, req)
		switch {
		case errors.Is(err, ErrExecutionNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrDisputed):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrInvalidSignature):
			response.Forbidden(c, err.Error())
		default:
			response.Handle(c, exec, err)
		}
	}
}

// CancelOfferHandler handles POST requests cancelling the caller's offer
func (h *GinHandlers) CancelOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("identity")
		if caller == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		commitmentID := c.Param("commitment")
		offer, err := h.service.CancelOffer(caller, commitmentID)
		switch {
		case errors.Is(err, ErrOfferNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrNotOfferer):
			response.Forbidden(c, err.Error())
		case errors.Is(err, ErrOfferInactive):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, offer, err)
		}
	}
}

// DisputeSwapHandler handles POST requests disputing an execution.
// Operator role only.
func (h *GinHandlers) DisputeSwapHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		executionID := c.Param("execution_id")

		exec, err := h.service.DisputeSwap(executionID)
		switch {
		case errors.Is(err, ErrExecutionNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrDisputed):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, exec, err)
		}
	}
}

// GetOfferHandler handles GET requests for offer state by commitment
func (h *GinHandlers) GetOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		commitmentID := c.Param("commitment")

		offer, err := h.service.GetOffer(commitmentID)
		if errors.Is(err, ErrOfferNotFound) {
			response.NotFound(c, "Offer not found")
			return
		}
		response.Handle(c, offer, err)
	}
}

// ListActiveOffersHandler handles GET requests listing open offers
func (h *GinHandlers) ListActiveOffersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offers, err := h.service.GetActiveOffers()
		response.Handle(c, offers, err)
	}
}

// GetExecutionHandler handles GET requests for execution state by ID
func (h *GinHandlers) GetExecutionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		executionID := c.Param("execution_id")

		exec, err := h.service.GetExecution(executionID)
		if errors.Is(err, ErrExecutionNotFound) {
			response.NotFound(c, "Execution not found")
			return
		}
		response.Handle(c, exec, err)
	}
}
