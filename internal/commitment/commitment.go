// Package commitment implements the commit-reveal order registry. A trader
// first submits an opaque hash binding them to undisclosed terms, then
// discloses the terms within the reveal window. Because the reveal must
// reproduce the original hash exactly, terms cannot be altered after the
// fact and cannot be front-run before the trader chooses to disclose them.
package commitment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/veilex/veilex-api/internal/types"
	"github.com/veilex/veilex-api/pkg/protocol"
	"github.com/veilex/veilex-api/pkg/response"
	"gorm.io/gorm"
)

var (
	ErrDuplicateCommitment = errors.New("commitment already exists or is zero")
	ErrNotFound            = errors.New("commitment not found")
	ErrNotOwner            = errors.New("caller does not own this commitment")
	ErrAlreadyRevealed     = errors.New("commitment already revealed")
	ErrWindowExpired       = errors.New("reveal window has expired")
	ErrCommitmentMismatch  = errors.New("revealed parameters do not reproduce the commitment")
	ErrOrderCancelled      = errors.New("order is cancelled")
	ErrOrderExecuted       = errors.New("order is already executed")
	ErrInvalidSide         = errors.New("side must be BUY or SELL")
	ErrSameToken           = errors.New("token in and token out must differ")
	ErrZeroAmount          = errors.New("amounts must be positive")
)

// RevealPolicy supplies the reveal window. Satisfied by the policy service.
type RevealPolicy interface {
	RevealWindow() time.Duration
}

// Service handles the commitment registry operations
type Service struct {
	db     *Database
	policy RevealPolicy
	now    func() time.Time
}

// NewService creates a new commitment registry backed by the given database
func NewService(gormDB *gorm.DB, policy RevealPolicy) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		policy: policy,
		now:    time.Now,
	}
}

func isZeroCommitment(commitment string) bool {
	if commitment == "" {
		return true
	}
	return strings.Trim(commitment, "0") == ""
}

// SubmitCommitment records a new commitment owned by trader and creates the
// order shell with the next global sequence nonce. Everything but the trader,
// sequence and creation time stays empty until reveal.
func (s *Service) SubmitCommitment(trader, commit string) (*types.Order, error) {
	if isZeroCommitment(commit) {
		return nil, ErrDuplicateCommitment
	}

	existing, err := s.db.GetOrder(commit)
	if err != nil {
		return nil, fmt.Errorf("failed to check commitment: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateCommitment
	}

	order := &types.Order{
		Commitment: commit,
		Trader:     trader,
		CreatedAt:  s.now(),
		UpdatedAt:  s.now(),
	}
	if err := s.db.CreateOrderWithSequence(order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	log.Info().
		Str("commitment", commit).
		Str("trader", trader).
		Uint64("sequence", order.Sequence).
		Msg("commitment submitted")

	return order, nil
}

// Reveal discloses the committed parameters. The caller must own the
// commitment, the reveal window must still be open, and the disclosed tuple
// must reproduce the stored hash exactly.
func (s *Service) Reveal(caller, commit string, req RevealRequest) (*types.Order, error) {
	order, err := s.db.GetOrder(commit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.Trader != caller {
		return nil, ErrNotOwner
	}
	if order.Revealed {
		return nil, ErrAlreadyRevealed
	}
	if order.Cancelled {
		return nil, ErrOrderCancelled
	}
	if s.now().After(order.CreatedAt.Add(s.policy.RevealWindow())) {
		return nil, ErrWindowExpired
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return nil, ErrInvalidSide
	}
	// Degenerate terms are rejected here so the matching engine only ever
	// sees well-formed revealed orders.
	if req.TokenIn == req.TokenOut {
		return nil, ErrSameToken
	}
	if req.AmountIn == 0 || req.AmountOut == 0 {
		return nil, ErrZeroAmount
	}

	if protocol.CommitmentHash(req.Params(), req.SecretNonce) != commit {
		return nil, ErrCommitmentMismatch
	}

	order.TokenIn = req.TokenIn
	order.TokenOut = req.TokenOut
	order.AmountIn = req.AmountIn
	order.AmountOut = req.AmountOut
	order.Side = req.Side
	order.Revealed = true
	order.UpdatedAt = s.now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to mark order revealed: %w", err)
	}

	log.Info().
		Str("commitment", commit).
		Str("trader", caller).
		Str("token_in", order.TokenIn).
		Str("token_out", order.TokenOut).
		Uint64("amount_in", order.AmountIn).
		Uint64("amount_out", order.AmountOut).
		Str("side", order.Side).
		Msg("order revealed")

	return order, nil
}

// CancelOrder terminally cancels an order before it is matched. Cancelled
// orders can never be revealed or executed afterwards.
func (s *Service) CancelOrder(caller, commit string) (*types.Order, error) {
	order, err := s.db.GetOrder(commit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.Trader != caller {
		return nil, ErrNotOwner
	}
	if order.Executed {
		return nil, ErrOrderExecuted
	}
	if order.Cancelled {
		return nil, ErrOrderCancelled
	}

	order.Cancelled = true
	order.UpdatedAt = s.now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	log.Info().
		Str("commitment", commit).
		Str("trader", caller).
		Msg("order cancelled")

	return order, nil
}

// GetOrder retrieves an order by commitment
func (s *Service) GetOrder(commit string) (*types.Order, error) {
	order, err := s.db.GetOrder(commit)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	return order, nil
}

// GetOrdersByTrader retrieves a trader's orders in sequence order
func (s *Service) GetOrdersByTrader(trader string) ([]types.Order, error) {
	return s.db.GetOrdersByTrader(trader)
}

// GinHandlers contains HTTP handlers for commitment endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitCommitmentHandler handles POST requests to submit order commitments
func (h *GinHandlers) SubmitCommitmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader := c.GetString("identity")
		if trader == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.SubmitCommitment(trader, req.Commitment)
		if errors.Is(err, ErrDuplicateCommitment) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}

// RevealHandler handles POST requests disclosing committed order parameters
func (h *GinHandlers) RevealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader := c.GetString("identity")
		if trader == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		commit := c.Param("commitment")
		var req RevealRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.Reveal(trader, commit, req)
		switch {
		case errors.Is(err, ErrNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrNotOwner):
			response.Forbidden(c, err.Error())
		case errors.Is(err, ErrAlreadyRevealed), errors.Is(err, ErrOrderCancelled):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrWindowExpired):
			response.TooLate(c, err.Error())
		case errors.Is(err, ErrCommitmentMismatch), errors.Is(err, ErrInvalidSide),
			errors.Is(err, ErrSameToken), errors.Is(err, ErrZeroAmount):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, order, err)
		}
	}
}

// CancelOrderHandler handles POST requests to cancel an unmatched order
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader := c.GetString("identity")
		if trader == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		commit := c.Param("commitment")
		order, err := h.service.CancelOrder(trader, commit)
		switch {
		case errors.Is(err, ErrNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrNotOwner):
			response.Forbidden(c, err.Error())
		case errors.Is(err, ErrOrderExecuted), errors.Is(err, ErrOrderCancelled):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, order, err)
		}
	}
}

// ListOrdersHandler handles GET requests for the authenticated identity's
// orders
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader := c.GetString("identity")
		if trader == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		orders, err := h.service.GetOrdersByTrader(trader)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests for order state by commitment
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		commit := c.Param("commitment")

		order, err := h.service.GetOrder(commit)
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "Order not found")
			return
		}
		response.Handle(c, order, err)
	}
}
