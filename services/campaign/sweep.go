package campaign

import (
	"context"
	"time"

	"rewardplane/pkg/config"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sweeper advances campaign lifecycles on a schedule: Active campaigns whose
// window closed or whose budget is fully reserved become Completed, and
// Completed campaigns with no open grants left settle.
type Sweeper struct {
	db    *gorm.DB
	svc   *Service
	grace time.Duration
	sched gocron.Scheduler
}

func NewSweeper(db *gorm.DB, svc *Service, cfg *config.Config) (*Sweeper, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		db:    db,
		svc:   svc,
		grace: cfg.Settlement.GraceWindow,
		sched: sched,
	}, nil
}

func (s *Sweeper) Start() error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(s.Sweep),
	)
	if err != nil {
		return err
	}
	s.sched.Start()
	return nil
}

func (s *Sweeper) Stop() error {
	return s.sched.Shutdown()
}

// Sweep runs one pass. Exported so the dispatcher can also trigger it from
// the campaign:sweep task.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.completeExpired(ctx); err != nil {
		zap.L().Error("campaign sweep: complete pass failed", zap.Error(err))
	}
	if err := s.settleDrained(ctx); err != nil {
		zap.L().Error("campaign sweep: settle pass failed", zap.Error(err))
	}
}

func (s *Sweeper) completeExpired(ctx context.Context) error {
	var candidates []Campaign
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Find(&candidates).Error
	if err != nil {
		return err
	}

	now := time.Now()
	for _, c := range candidates {
		done := now.After(c.EndAt)
		if !done && s.svc.ledger != nil {
			reserved, err := s.svc.ledger.ReservedTotal(ctx, c.ID)
			if err != nil {
				zap.L().Error("campaign sweep: reserved total failed",
					zap.String("campaign_id", c.ID), zap.Error(err))
				continue
			}
			done = reserved >= c.TotalBudget
		}
		if !done {
			continue
		}

		if _, err := s.svc.transition(ctx, c.ID, StatusCompleted); err != nil {
			zap.L().Warn("campaign sweep: completion skipped",
				zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		zap.L().Info("campaign completed", zap.String("campaign_id", c.ID))
	}
	return nil
}

func (s *Sweeper) settleDrained(ctx context.Context) error {
	if s.svc.ledger == nil {
		return nil
	}

	var candidates []Campaign
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusCompleted).
		Find(&candidates).Error
	if err != nil {
		return err
	}

	now := time.Now()
	for _, c := range candidates {
		// late events may still land while the grace window is open
		if c.InSettlementGrace(now, s.grace) {
			continue
		}

		open, err := s.svc.ledger.OpenGrantCount(ctx, c.ID)
		if err != nil {
			zap.L().Error("campaign sweep: open grant count failed",
				zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if open > 0 {
			continue
		}

		if _, err := s.svc.transition(ctx, c.ID, StatusSettled); err != nil {
			zap.L().Warn("campaign sweep: settlement skipped",
				zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		zap.L().Info("campaign settled", zap.String("campaign_id", c.ID))
	}
	return nil
}

// SweeperModule runs the sweeper for the lifetime of the worker process.
var SweeperModule = fx.Module("campaign.sweeper",
	fx.Provide(NewSweeper),
	fx.Invoke(func(lc fx.Lifecycle, s *Sweeper) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Start()
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop()
			},
		})
	}),
)
