package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// ReservationSweeper reclaims abandoned stock reservations (holds past
// their TTL whose invoice never confirmed payment or was simply abandoned).
// It runs on a periodic timer, independent of request-serving goroutines.
// A redis lock keeps a single instance sweeping at a time across replicas.
type ReservationSweeper struct {
	Logger *logrus.Logger

	Interval time.Duration
}

func NewReservationSweeper(logger *logrus.Logger) *ReservationSweeper {
	return &ReservationSweeper{
		Logger:   logger,
		Interval: time.Minute,
	}
}

func (s *ReservationSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce releases every expired reservation and returns the count.
// Safe to call from an ops CLI as well as the ticker loop.
func (s *ReservationSweeper) SweepOnce(ctx context.Context) int {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "reservation-sweep", s.Interval, nil)
		if err != nil {
			// Another instance holds the sweep; that's fine.
			if !errors.Is(err, redislock.ErrNotObtained) && s.Logger != nil {
				config.LogError(s.Logger, "workflow", "SweepOnce", "lock", nil, err)
			}
			return 0
		}
		defer lock.Release(ctx)
	}

	released, err := models.ReleaseExpiredReservations(ctx, time.Now().UTC())
	if err != nil && s.Logger != nil {
		config.LogError(s.Logger, "workflow", "SweepOnce", "release", nil, err)
	}
	if released > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":    "ReservationSweeper",
			"released": released,
		}).Info("released expired reservations")
	}
	return released
}
