package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewardplane/pkg/config"
	"rewardplane/pkg/db/option"
	"rewardplane/pkg/errutil"
	"rewardplane/pkg/repository"
	"rewardplane/services/ingest"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrScoringUnavailable marks oracle exhaustion. The event stays unscored and
// can be retried later.
var ErrScoringUnavailable = errors.New("scoring oracle unavailable")

// Verdict is one oracle response.
type Verdict struct {
	Score      float64
	Confidence float64
	Oracle     string
}

// Oracle scores a post's engagement quality on a 0..100 scale.
type Oracle interface {
	Score(ctx context.Context, event *ingest.ParticipationEvent) (Verdict, error)
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	oracle Oracle

	attemptTimeout time.Duration
	maxAttempts    int
	backoffBase    time.Duration

	results repository.Repository[ScoreResult]
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Oracle Oracle `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		oracle: p.Oracle,

		attemptTimeout: p.Config.Scoring.AttemptTimeout,
		maxAttempts:    p.Config.Scoring.MaxAttempts,
		backoffBase:    p.Config.Scoring.BackoffBase,

		results: repository.ProvideStore[ScoreResult](p.DB),
	}
}

// Result returns the latest stored verdict for an event, nil if unscored.
func (s *Service) Result(ctx context.Context, eventID string) (*ScoreResult, error) {
	return s.results.FindOne(ctx, &ScoreResult{EventID: eventID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "version",
			OrderBy: "desc",
			Allow:   map[string]bool{"version": true},
		}))
}

// Results returns every stored verdict for an event, oldest first.
func (s *Service) Results(ctx context.Context, eventID string) ([]*ScoreResult, error) {
	return s.results.Find(ctx, &ScoreResult{EventID: eventID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "version",
			OrderBy: "asc",
			Allow:   map[string]bool{"version": true},
		}))
}

// ScoreEvent resolves a score for the event, consulting the stored result
// first. An event with a verdict on file is not consulted again; use Rescore
// to force a fresh oracle call.
func (s *Service) ScoreEvent(ctx context.Context, event *ingest.ParticipationEvent) (*ScoreResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	existing, err := s.Result(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	return s.Rescore(ctx, event)
}

// Rescore consults the oracle and appends a new verdict row with the next
// version. Earlier results stay untouched so the scoring history remains
// auditable; reads always take the highest version.
func (s *Service) Rescore(ctx context.Context, event *ingest.ParticipationEvent) (*ScoreResult, error) {
	if s.oracle == nil {
		return nil, errutil.UnprocessableEntity("no scoring oracle configured")
	}

	latest, err := s.Result(ctx, event.ID)
	if err != nil {
		return nil, err
	}

	verdict, attempts, err := s.consult(ctx, event)
	if err != nil {
		return nil, errutil.Timeout("scoring oracle unavailable",
			errutil.WithErr(errors.Join(ErrScoringUnavailable, err)))
	}

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}

	result := &ScoreResult{
		ID:         s.node.Generate().String(),
		EventID:    event.ID,
		CampaignID: event.CampaignID,
		Version:    version,
		Score:      verdict.Score,
		Confidence: verdict.Confidence,
		Oracle:     verdict.Oracle,
		Attempts:   attempts,
	}

	if err := s.results.Create(ctx, result); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// a concurrent worker took this version; theirs stands
			return s.Result(ctx, event.ID)
		}
		return nil, err
	}

	return result, nil
}

// consult runs the bounded retry loop around the oracle. Calls are limited
// per attempt and retried with exponential backoff; a score outside 0..100
// counts as a failed attempt.
func (s *Service) consult(ctx context.Context, event *ingest.ParticipationEvent) (Verdict, int, error) {
	var (
		verdict  Verdict
		attempts int
	)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.backoffBase
	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(s.maxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()

		var serr error
		verdict, serr = s.oracle.Score(attemptCtx, event)
		if serr != nil {
			zap.L().Warn("oracle attempt failed",
				zap.String("event_id", event.ID),
				zap.Int("attempt", attempts),
				zap.Error(serr))
			return serr
		}
		if verdict.Score < 0 || verdict.Score > 100 {
			serr = fmt.Errorf("score %v out of range", verdict.Score)
			zap.L().Warn("oracle returned out-of-range score",
				zap.String("event_id", event.ID),
				zap.Float64("score", verdict.Score))
			return serr
		}
		return nil
	}, policy)

	return verdict, attempts, err
}
