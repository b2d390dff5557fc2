package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewardplane/pkg/celengine"
	"rewardplane/pkg/config"
	"rewardplane/pkg/db"
	"rewardplane/pkg/featureflags"
	"rewardplane/pkg/gen"
	"rewardplane/pkg/health"
	"rewardplane/pkg/logger"
	pkgminio "rewardplane/pkg/minio"
	"rewardplane/pkg/otelcol"
	"rewardplane/pkg/profiling"
	"rewardplane/pkg/redis"
	"rewardplane/pkg/sequence"
	"rewardplane/pkg/server"
	"rewardplane/pkg/task"
	"rewardplane/services/campaign"
	"rewardplane/services/escrow"
	"rewardplane/services/ingest"
	"rewardplane/services/ledger"
	"rewardplane/services/scoring"

	minioclient "github.com/minio/minio-go/v7"
)

func main() {
	opts := []fx.Option{
		logger.Module,
		config.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		featureflags.Module,
		pkgminio.Client,
		fx.Provide(
			celengine.New,
			provideArtworkStore,
			provideContentSource,
		),
		campaign.Module,
		ingest.Module,
		ledger.Module,
		escrow.Module,
		health.Module,
		server.ProvideHTTPServer,
		fx.Invoke(migrate),
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

func provideArtworkStore(client *minioclient.Client, cfg *config.Config) *campaign.ArtworkStore {
	return campaign.NewArtworkStore(client, cfg.Minio.BucketName)
}

func provideContentSource(cfg *config.Config) ingest.ContentSource {
	if cfg.ContentSource.BaseURL == "" {
		return nil
	}
	return ingest.NewHTTPContentSource(cfg.ContentSource.BaseURL)
}

func migrate(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(
		&campaign.Campaign{},
		&campaign.RewardTier{},
		&campaign.CampaignChain{},
		&ingest.ParticipationEvent{},
		&scoring.ScoreResult{},
		&ledger.Grant{},
		&ledger.IssuanceAttempt{},
		&ledger.GrantReversal{},
		&escrow.Account{},
	)
}
