// Package policy enforces the protocol's time windows, runtime configuration
// and the timelocked emergency-exit path. All other packages read their
// windows and limits from here so the policy is applied uniformly.
package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/veilex/veilex-api/pkg/response"
	"gorm.io/gorm"
)

var (
	ErrAlreadyRequested = errors.New("emergency withdrawal already requested")
	ErrRequestNotFound  = errors.New("no pending emergency request")
	ErrTimelockActive   = errors.New("emergency timelock has not elapsed")
	ErrFeeAboveCap      = errors.New("fee exceeds maximum allowed")
	ErrInvalidBounds    = errors.New("invalid swap amount bounds")
	ErrInvalidWindow    = errors.New("time windows must be positive")
)

// Withdrawer drains and deactivates a participant's state channel, returning
// the released balance. Implemented by the channel ledger. The drain runs
// against the caller's transaction so it commits together with the request
// being marked executed.
type Withdrawer interface {
	EmergencyDrain(tx *gorm.DB, owner string) (uint64, error)
}

// Service owns the runtime protocol configuration and the emergency-exit
// flow. The config row is cached behind a mutex; reads never hit the
// database.
type Service struct {
	db         *Database
	withdrawer Withdrawer

	mu  sync.RWMutex
	cfg Config

	now func() time.Time
}

// NewService loads (or seeds) the config row and returns the policy service.
func NewService(gormDB *gorm.DB, withdrawer Withdrawer) (*Service, error) {
	db := NewDatabase(gormDB)
	cfg, err := db.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}
	return &Service{
		db:         db,
		withdrawer: withdrawer,
		cfg:        *cfg,
		now:        time.Now,
	}, nil
}

// Config returns a copy of the current protocol configuration.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// RevealWindow is the window within which a committed order must be revealed.
func (s *Service) RevealWindow() time.Duration {
	return time.Duration(s.Config().RevealWindowSecs) * time.Second
}

// MaxExpiryHorizon is the furthest future expiry a swap offer may carry.
func (s *Service) MaxExpiryHorizon() time.Duration {
	return time.Duration(s.Config().MaxExpiryHorizonSecs) * time.Second
}

// EmergencyTimelock is the mandatory delay between an emergency request and
// its execution.
func (s *Service) EmergencyTimelock() time.Duration {
	return time.Duration(s.Config().EmergencyTimelockSecs) * time.Second
}

// FeeBps is the proportional fee applied on swap completion.
func (s *Service) FeeBps() uint64 { return s.Config().FeeBps }

// SwapBounds returns the configured [min, max] swap input amount.
func (s *Service) SwapBounds() (uint64, uint64) {
	cfg := s.Config()
	return cfg.MinSwapAmount, cfg.MaxSwapAmount
}

// EmergencyMode reports whether the system-wide circuit breaker is active.
func (s *Service) EmergencyMode() bool {
	return s.Config().EmergencyMode
}

// UpdateConfig applies an admin configuration update. Every parameter is
// validated before any write; a rejected update changes nothing.
func (s *Service) UpdateConfig(update ConfigUpdate) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	if update.FeeBps != nil {
		if *update.FeeBps > FeeBpsCap {
			return nil, ErrFeeAboveCap
		}
		next.FeeBps = *update.FeeBps
	}
	if update.MinSwapAmount != nil {
		next.MinSwapAmount = *update.MinSwapAmount
	}
	if update.MaxSwapAmount != nil {
		next.MaxSwapAmount = *update.MaxSwapAmount
	}
	if next.MinSwapAmount == 0 || next.MinSwapAmount > next.MaxSwapAmount {
		return nil, ErrInvalidBounds
	}
	if update.RevealWindowSecs != nil {
		next.RevealWindowSecs = *update.RevealWindowSecs
	}
	if update.MaxExpiryHorizonSecs != nil {
		next.MaxExpiryHorizonSecs = *update.MaxExpiryHorizonSecs
	}
	if update.EmergencyTimelockSecs != nil {
		next.EmergencyTimelockSecs = *update.EmergencyTimelockSecs
	}
	if next.RevealWindowSecs == 0 || next.MaxExpiryHorizonSecs == 0 || next.EmergencyTimelockSecs == 0 {
		return nil, ErrInvalidWindow
	}

	next.UpdatedAt = s.now()
	if err := s.db.SaveConfig(&next); err != nil {
		return nil, fmt.Errorf("failed to persist policy config: %w", err)
	}
	s.cfg = next

	log.Info().
		Uint64("fee_bps", next.FeeBps).
		Uint64("min_swap_amount", next.MinSwapAmount).
		Uint64("max_swap_amount", next.MaxSwapAmount).
		Uint64("reveal_window_secs", next.RevealWindowSecs).
		Uint64("emergency_timelock_secs", next.EmergencyTimelockSecs).
		Msg("policy configuration updated")

	cfg := next
	return &cfg, nil
}

// SetEmergencyMode flips the system-wide circuit breaker. Enabling is
// reserved for the emergency role and disabling for the admin role; the
// role check happens in the route wiring.
func (s *Service) SetEmergencyMode(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	next.EmergencyMode = enabled
	next.UpdatedAt = s.now()
	if err := s.db.SaveConfig(&next); err != nil {
		return fmt.Errorf("failed to persist emergency mode: %w", err)
	}
	s.cfg = next

	log.Warn().Bool("emergency_mode", enabled).Msg("emergency mode changed")
	return nil
}

// RequestEmergencyWithdraw records a timelocked withdrawal request for the
// caller. A requester may hold at most one outstanding request.
func (s *Service) RequestEmergencyWithdraw(requester, reason string) (*EmergencyRequest, error) {
	pending, err := s.db.GetPendingRequest(requester)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending requests: %w", err)
	}
	if pending != nil {
		return nil, ErrAlreadyRequested
	}

	req := &EmergencyRequest{
		RequestID:   "EMG_" + uuid.New().String(),
		Requester:   requester,
		Reason:      reason,
		RequestedAt: s.now(),
	}
	if err := s.db.CreateEmergencyRequest(req); err != nil {
		return nil, fmt.Errorf("failed to create emergency request: %w", err)
	}

	log.Warn().
		Str("request_id", req.RequestID).
		Str("requester", requester).
		Str("reason", reason).
		Time("requested_at", req.RequestedAt).
		Msg("emergency withdrawal requested")

	return req, nil
}

// ExecuteEmergencyWithdraw executes a pending request once the timelock has
// elapsed, draining the requester's channel through the transfer substrate.
// The delay gives operators time to notice a compromised-key drain attempt;
// it is a waiting period, not a veto.
func (s *Service) ExecuteEmergencyWithdraw(requester string) (*EmergencyRequest, error) {
	req, err := s.db.GetPendingRequest(requester)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}

	elapsed := s.now().Sub(req.RequestedAt)
	if elapsed < s.EmergencyTimelock() {
		return nil, ErrTimelockActive
	}

	// The drain and the executed flag land in one transaction: a failed
	// drain leaves the request pending and retryable, and a drained
	// channel is never left behind an unexecuted request.
	req.Executed = true
	req.ExecutedAt = s.now()
	err = s.db.ExecuteRequest(req, func(tx *gorm.DB) error {
		amount, err := s.withdrawer.EmergencyDrain(tx, requester)
		if err != nil {
			return fmt.Errorf("emergency drain failed: %w", err)
		}
		req.Amount = amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn().
		Str("request_id", req.RequestID).
		Str("requester", requester).
		Uint64("amount", req.Amount).
		Msg("emergency withdrawal executed")

	return req, nil
}

// GinHandlers contains HTTP handlers for policy and emergency endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetConfigHandler handles GET requests for the current protocol
// configuration
func (h *GinHandlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := h.service.Config()
		response.Success(c, cfg)
	}
}

// UpdateConfigHandler handles admin POST requests to tune protocol
// parameters
func (h *GinHandlers) UpdateConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var update ConfigUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		cfg, err := h.service.UpdateConfig(update)
		switch {
		case errors.Is(err, ErrFeeAboveCap), errors.Is(err, ErrInvalidBounds), errors.Is(err, ErrInvalidWindow):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, cfg, err)
		}
	}
}

// RequestEmergencyWithdrawHandler handles POST requests to open a timelocked
// withdrawal request for the authenticated identity
func (h *GinHandlers) RequestEmergencyWithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester := c.GetString("identity")
		if requester == "" {
			response.Unauthorized(c, "Missing identity claim")
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		req, err := h.service.RequestEmergencyWithdraw(requester, body.Reason)
		if errors.Is(err, ErrAlreadyRequested) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, req, err)
	}
}

// ExecuteEmergencyWithdrawHandler handles POST requests to execute a pending
// request once its timelock elapsed. Emergency role only.
func (h *GinHandlers) ExecuteEmergencyWithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester := c.Param("requester")
		if requester == "" {
			response.BadRequest(c, "Requester is required")
			return
		}

		req, err := h.service.ExecuteEmergencyWithdraw(requester)
		switch {
		case errors.Is(err, ErrRequestNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrTimelockActive):
			response.TooEarly(c, err.Error())
		default:
			response.Handle(c, req, err)
		}
	}
}

// SetEmergencyModeHandler returns a handler flipping the circuit breaker to
// the given state. Wire the enable variant behind the emergency role and the
// disable variant behind the admin role.
func (h *GinHandlers) SetEmergencyModeHandler(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.SetEmergencyMode(enabled); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"emergency_mode": enabled})
	}
}
