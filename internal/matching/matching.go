// Package matching pairs compatible revealed orders and settles the pair
// through signature-authenticated balance credits. Matching is a pairing
// decision and settlement is a fund-moving decision; they are separate
// operations so each stays independently auditable and independently
// signable.
package matching

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/veilex/veilex-api/internal/types"
	"github.com/veilex/veilex-api/pkg/protocol"
	"github.com/veilex/veilex-api/pkg/response"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrNotRevealed           = errors.New("both orders must be revealed")
	ErrAlreadyExecuted       = errors.New("order already executed")
	ErrOrderCancelled        = errors.New("order is cancelled")
	ErrSameSide              = errors.New("orders must have opposite sides")
	ErrTokenMismatch         = errors.New("order token pairs are not mirrored")
	ErrZeroAmount            = errors.New("matched orders must carry positive amounts")
	ErrInsufficientLiquidity = errors.New("buy order output does not cover sell order input")
	ErrMatchNotFound         = errors.New("match not found")
	ErrInvalidSignature      = errors.New("signature does not recover to a match participant")
	ErrAlreadySettled        = errors.New("match already settled")
)

// Crediter applies settlement credits to participants' channels. Satisfied
// by the channel ledger; the credit path needs no signature because the
// settlement that triggers it already verified both parties' signatures.
// Credits run against the settlement transaction so both legs and the
// settled flag commit together.
type Crediter interface {
	Credit(tx *gorm.DB, owner string, amount uint64) error
}

// Service handles order matching and settlement
type Service struct {
	db       *Database
	channels Crediter
	now      func() time.Time
}

// NewService creates a new matching engine backed by the given database and
// channel ledger
func NewService(gormDB *gorm.DB, channels Crediter) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		channels: channels,
		now:      time.Now,
	}
}

// Match binds two compatible revealed orders. The traded quantity is the
// sell order's full input amount; the buy-side amount follows from the buy
// order's quoted rate with integer truncation, a deterministic rounding
// policy under which the buyer never pays above their quoted rate. The
// truncation remainder is logged as rounding loss and stays unsettled.
func (s *Service) Match(commitmentA, commitmentB string) (*Match, error) {
	logger := log.With().
		Str("commitment_a", commitmentA).
		Str("commitment_b", commitmentB).
		Str("service", "matching").
		Logger()

	orderA, err := s.db.GetOrder(commitmentA)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	orderB, err := s.db.GetOrder(commitmentB)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if orderA == nil || orderB == nil {
		return nil, ErrOrderNotFound
	}
	if !orderA.Revealed || !orderB.Revealed {
		return nil, ErrNotRevealed
	}
	if orderA.Executed || orderB.Executed {
		return nil, ErrAlreadyExecuted
	}
	if orderA.Cancelled || orderB.Cancelled {
		return nil, ErrOrderCancelled
	}
	if orderA.Side == orderB.Side {
		return nil, ErrSameSide
	}
	if orderA.TokenIn != orderB.TokenOut || orderA.TokenOut != orderB.TokenIn {
		return nil, ErrTokenMismatch
	}

	buy, sell := orderA, orderB
	if buy.Side != types.SideBuy {
		buy, sell = sell, buy
	}

	if buy.AmountIn == 0 || buy.AmountOut == 0 || sell.AmountIn == 0 || sell.AmountOut == 0 {
		return nil, ErrZeroAmount
	}
	if buy.AmountOut < sell.AmountIn {
		return nil, ErrInsufficientLiquidity
	}

	// amountBuySide = sell.AmountIn * buy.AmountIn / buy.AmountOut,
	// truncated toward zero. sell.AmountIn <= buy.AmountOut here, so the
	// quotient never exceeds buy.AmountIn and always fits a uint64.
	sellAmount := decimal.NewFromUint64(sell.AmountIn)
	quotient, remainder := sellAmount.
		Mul(decimal.NewFromUint64(buy.AmountIn)).
		QuoRem(decimal.NewFromUint64(buy.AmountOut), 0)
	amountBuySide := quotient.BigInt().Uint64()

	match := &Match{
		MatchID:        "MTC_" + uuid.New().String(),
		BuyCommitment:  buy.Commitment,
		SellCommitment: sell.Commitment,
		BuyTrader:      buy.Trader,
		SellTrader:     sell.Trader,
		TokenBuySide:   buy.TokenIn,
		TokenSellSide:  sell.TokenIn,
		AmountBuySide:  amountBuySide,
		AmountSellSide: sell.AmountIn,
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
	}

	if err := s.db.CreateMatchAndExecuteOrders(match, buy, sell); err != nil {
		return nil, fmt.Errorf("failed to bind match: %w", err)
	}

	if !remainder.IsZero() {
		logger.Warn().
			Str("match_id", match.MatchID).
			Str("rounding_loss", remainder.String()).
			Msg("truncated matching remainder left unsettled")
	}

	logger.Info().
		Str("match_id", match.MatchID).
		Str("buy_trader", match.BuyTrader).
		Str("sell_trader", match.SellTrader).
		Uint64("amount_buy_side", match.AmountBuySide).
		Uint64("amount_sell_side", match.AmountSellSide).
		Msg("orders matched")

	return match, nil
}

// Settle verifies both participants' signatures over the canonical
// settlement hash and credits each party's channel with the amount owed to
// them. This is the only path by which a match moves funds.
func (s *Service) Settle(matchID string, req SettleRequest) (*Match, error) {
	match, err := s.db.GetMatch(matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match: %w", err)
	}
	if match == nil {
		return nil, ErrMatchNotFound
	}
	if match.Settled {
		return nil, ErrAlreadySettled
	}

	hash := protocol.SettlementHash(match.MatchID, match.AmountBuySide, match.AmountSellSide, match.CreatedAt)

	buySig, err := hex.DecodeString(req.BuySignature)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	sellSig, err := hex.DecodeString(req.SellSignature)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	buySigner, err := protocol.RecoverSigner(hash, buySig)
	if err != nil || buySigner != match.BuyTrader {
		return nil, ErrInvalidSignature
	}
	sellSigner, err := protocol.RecoverSigner(hash, sellSig)
	if err != nil || sellSigner != match.SellTrader {
		return nil, ErrInvalidSignature
	}

	// The buyer receives the sell-side amount and vice versa. Both credits
	// and the settled flag land in one transaction: a failed credit leaves
	// no balance changed and the match still settleable.
	match.Settled = true
	match.UpdatedAt = s.now()
	err = s.db.SettleMatch(match, func(tx *gorm.DB) error {
		if err := s.channels.Credit(tx, match.BuyTrader, match.AmountSellSide); err != nil {
			return fmt.Errorf("failed to credit buy trader: %w", err)
		}
		if err := s.channels.Credit(tx, match.SellTrader, match.AmountBuySide); err != nil {
			return fmt.Errorf("failed to credit sell trader: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("match_id", match.MatchID).
		Str("buy_trader", match.BuyTrader).
		Str("sell_trader", match.SellTrader).
		Msg("match settled")

	return match, nil
}

// GetMatch retrieves a match by ID
func (s *Service) GetMatch(matchID string) (*Match, error) {
	match, err := s.db.GetMatch(matchID)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, ErrMatchNotFound
	}
	return match, nil
}

// GetMatchesByTrader retrieves a trader's matches, newest first
func (s *Service) GetMatchesByTrader(trader string) ([]Match, error) {
	return s.db.GetMatchesByTrader(trader)
}

// GinHandlers contains HTTP handlers for matching endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// MatchHandler handles POST requests binding two revealed orders.
// Operator role only.
func (h *GinHandlers) MatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		match, err := h.service.Match(req.CommitmentA, req.CommitmentB)
		switch {
		case errors.Is(err, ErrOrderNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrNotRevealed), errors.Is(err, ErrAlreadyExecuted), errors.Is(err, ErrOrderCancelled):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrSameSide), errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrZeroAmount), errors.Is(err, ErrInsufficientLiquidity):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, match, err)
		}
	}
}

// SettleHandler handles POST requests settling a match with both
// participants' signatures
func (h *GinHandlers) SettleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		matchID := c.Param("match_id")

		var req SettleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		match, err := h.service.Settle(matchID, req)
		switch {
		case errors.Is(err, ErrMatchNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrAlreadySettled):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrInvalidSignature):
			response.Forbidden(c, err.Error())
		default:
			response.Handle(c, match, err)
		}
	}
}

// ListMatchesHandler handles GET requests for the authenticated identity's
// matches
func (h *GinHandlers) ListMatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trader := c.GetString("identity")
		if trader == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		matches, err := h.service.GetMatchesByTrader(trader)
		response.Handle(c, matches, err)
	}
}

// GetMatchHandler handles GET requests for match state
func (h *GinHandlers) GetMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		matchID := c.Param("match_id")

		match, err := h.service.GetMatch(matchID)
		if errors.Is(err, ErrMatchNotFound) {
			response.NotFound(c, "Match not found")
			return
		}
		response.Handle(c, match, err)
	}
}
