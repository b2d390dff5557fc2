package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator mints the short human-facing codes that show up in dashboards and
// support tickets. Snowflake IDs stay the primary keys; these are display only.
type Generator interface {
	NextCampaignCode(ctx context.Context) (string, error)
	NextGrantCode(ctx context.Context, campaignCode string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

func (g *RedisGenerator) NextCampaignCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "CMP", "global")
}

func (g *RedisGenerator) NextGrantCode(ctx context.Context, campaignCode string) (string, error) {
	return g.nextDailyCode(ctx, "GRT", campaignCode)
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, scope string) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := fmt.Sprintf("seq:%s:%s:%s", prefix, scope, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	// codes reset daily; keep the key from lingering forever
	g.rdb.Expire(ctx, key, 48*time.Hour)

	return fmt.Sprintf("%s-%s-%04d", prefix, today, seq), nil
}
