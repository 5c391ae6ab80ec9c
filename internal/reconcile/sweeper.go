package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/Khin-96/Nova/internal/repository"
)

// sweepBatchSize caps how many orders one sweep cycle touches.
const sweepBatchSize = 100

// SweeperConfig holds the sweeper timings.
type SweeperConfig struct {
	// Interval is how often a sweep runs.
	Interval time.Duration

	// GracePeriod is how long after push initiation before the sweeper
	// starts re-polling an unresolved order.
	GracePeriod time.Duration

	// PendingTimeout is how long a push may stay unresolved before the
	// order is cancelled as abandoned.
	PendingTimeout time.Duration
}

// Sweeper is the background safety net for orders whose callback never
// arrived: it re-polls unresolved pushes past a grace period and cancels
// those unresolved past the timeout.
type Sweeper struct {
	repo   repository.OrderRepository
	engine *Engine
	cfg    SweeperConfig
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper. Start must be called to begin sweeping.
func NewSweeper(repo repository.OrderRepository, engine *Engine, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		repo:   repo,
		engine: engine,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one reconciliation pass. Each sweep is bounded so a stuck
// gateway cannot hold the loop past shutdown for long.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()

	now := time.Now().UTC()
	orders, err := s.repo.ListAbandonedPending(ctx, now.Add(-s.cfg.GracePeriod), sweepBatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep: list pending orders failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for i := range orders {
		order := &orders[i]

		select {
		case <-s.stop:
			return
		default:
		}

		if now.Sub(order.UpdatedAt) > s.cfg.PendingTimeout {
			if err := s.engine.Expire(ctx, order); err != nil {
				s.logger.ErrorContext(ctx, "sweep: expire failed",
					slog.String("order_id", order.OrderID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if err := s.engine.Refresh(ctx, order); err != nil {
			// Poll failures are expected while the provider is degraded;
			// the next sweep retries.
			s.logger.WarnContext(ctx, "sweep: refresh failed",
				slog.String("order_id", order.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}
