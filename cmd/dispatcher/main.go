package main

import (
	"context"
	"log"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewardplane/pkg/celengine"
	"rewardplane/pkg/config"
	"rewardplane/pkg/db"
	"rewardplane/pkg/featureflags"
	"rewardplane/pkg/gen"
	"rewardplane/pkg/logger"
	"rewardplane/pkg/otelcol"
	"rewardplane/pkg/redis"
	"rewardplane/pkg/sequence"
	"rewardplane/pkg/task"
	"rewardplane/services/campaign"
	"rewardplane/services/eligibility"
	"rewardplane/services/ingest"
	"rewardplane/services/issuance"
	"rewardplane/services/ledger"
	"rewardplane/services/orchestrator"
	"rewardplane/services/scoring"
)

func main() {
	opts := []fx.Option{
		logger.Module,
		config.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		featureflags.Module,
		task.Client,
		task.Server,
		fx.Provide(
			celengine.New,
			provideQueues,
			provideOracle,
			provideContentSource,
			campaign.NewService,
			ingest.NewService,
			ledger.NewService,
			func(s *ledger.Service) campaign.LedgerFacade { return s },
		),
		scoring.Module,
		eligibility.Module,
		issuance.Module,
		orchestrator.Module,
		campaign.SweeperModule,
		fx.Invoke(
			migrate,
			registerHandlers,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// provideQueues gives every catalog chain its own weighted queue alongside the
// shared pipeline queues.
func provideQueues(cfg *config.Config) task.Queues {
	queues := task.Queues{
		"critical": 6,
		"default":  3,
		"low":      1,
	}
	for _, chain := range campaign.KnownChains {
		queues[issuance.QueueForChain(chain)] = cfg.Issuance.WorkersPerChain
	}
	return queues
}

func provideOracle(cfg *config.Config) scoring.Oracle {
	if cfg.Scoring.OracleURL == "" {
		return nil
	}
	return scoring.NewHTTPOracle(cfg.Scoring.OracleURL)
}

func provideContentSource(cfg *config.Config) ingest.ContentSource {
	if cfg.ContentSource.BaseURL == "" {
		return nil
	}
	return ingest.NewHTTPContentSource(cfg.ContentSource.BaseURL)
}

func registerHandlers(mux *asynq.ServeMux, pipeline *orchestrator.Service, dispatcher *issuance.Dispatcher, sweeper *campaign.Sweeper) {
	mux.HandleFunc(ingest.TaskEventProcess, pipeline.HandleEventProcess)
	mux.HandleFunc(scoring.TaskScoringRetry, pipeline.HandleScoringRetry)
	mux.HandleFunc(issuance.TaskIssuanceDispatch, dispatcher.HandleDispatch)
	mux.HandleFunc(issuance.TaskIssuanceReconcile, dispatcher.HandleReconcile)
	mux.HandleFunc(issuance.TaskCampaignSweep, func(ctx context.Context, t *asynq.Task) error {
		sweeper.Sweep()
		return pipeline.Requeue(ctx)
	})
}

func migrate(gormDB *gorm.DB) error {
	if err := gormDB.AutoMigrate(
		&campaign.Campaign{},
		&campaign.RewardTier{},
		&campaign.CampaignChain{},
		&ingest.ParticipationEvent{},
		&scoring.ScoreResult{},
		&ledger.Grant{},
		&ledger.IssuanceAttempt{},
		&ledger.GrantReversal{},
	); err != nil {
		return err
	}
	zap.L().Info("database migrated")
	return nil
}
