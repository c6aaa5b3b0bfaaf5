package swap

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor sweeps expired offers in the background. Expiry is always
// enforced at call entry as well; the sweep only keeps the open-offer list
// tidy for browsing collaborators.
type Processor struct {
	db         *Database
	sweepDelay time.Duration
}

func NewProcessor(db *Database) *Processor {
	return &Processor{
		db:         db,
		sweepDelay: time.Minute,
	}
}

// Start begins the expiry sweep loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "offer_sweeper").Logger()
	logger.Info().Msg("starting offer expiry sweeper")

	ticker := time.NewTicker(p.sweepDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down offer expiry sweeper")
			return
		case <-ticker.C:
			swept, err := p.db.DeactivateExpiredOffers(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("failed to sweep expired offers")
				continue
			}
			if swept > 0 {
				logger.Info().Int64("offers_swept", swept).Msg("expired offers deactivated")
			}
		}
	}
}
