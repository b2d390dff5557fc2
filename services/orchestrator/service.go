package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rewardplane/pkg/task"
	"rewardplane/services/campaign"
	"rewardplane/services/eligibility"
	"rewardplane/services/ingest"
	"rewardplane/services/issuance"
	"rewardplane/services/ledger"
	"rewardplane/services/scoring"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// scoringRetryDelay spaces out replays after oracle exhaustion.
const scoringRetryDelay = 5 * time.Minute

// requeueAge keeps the requeue pass from racing work already in flight.
const requeueAge = 5 * time.Minute

// Service runs the settlement pipeline for one event: score, evaluate,
// record, dispatch. Each step is idempotent so a crashed worker can replay
// the task from the top.
type Service struct {
	db         *gorm.DB
	ingest     *ingest.Service
	scoring    *scoring.Service
	evaluator  *eligibility.Evaluator
	ledger     *ledger.Service
	dispatcher *issuance.Dispatcher
	enqueuer   task.Enqueuer
}

type ServiceParams struct {
	fx.In

	DB         *gorm.DB
	Ingest     *ingest.Service
	Scoring    *scoring.Service
	Evaluator  *eligibility.Evaluator
	Ledger     *ledger.Service
	Dispatcher *issuance.Dispatcher
	Enqueuer   task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		ingest:     p.Ingest,
		scoring:    p.Scoring,
		evaluator:  p.Evaluator,
		ledger:     p.Ledger,
		dispatcher: p.Dispatcher,
		enqueuer:   p.Enqueuer,
	}
}

// HandleEventProcess is the asynq entrypoint for event:process.
func (s *Service) HandleEventProcess(ctx context.Context, t *asynq.Task) error {
	var payload ingest.EventProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	return s.Process(ctx, payload.EventID, payload.TraceID)
}

// HandleScoringRetry replays the pipeline for an event whose oracle calls
// were exhausted earlier.
func (s *Service) HandleScoringRetry(ctx context.Context, t *asynq.Task) error {
	var payload scoring.RetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	return s.Process(ctx, payload.EventID, payload.TraceID)
}

// Process runs the pipeline for one event.
func (s *Service) Process(ctx context.Context, eventID, traceID string) error {
	logger := zap.L().With(
		zap.String("event_id", eventID),
		zap.String("trace_id", traceID),
	)

	event, err := s.ingest.Event(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == ingest.EventIneligible {
		logger.Info("event already settled", zap.String("status", string(event.Status)))
		return nil
	}
	if event.Status == ingest.EventGranted {
		// a granted replay means the earlier dispatch may not have landed
		return s.redispatch(ctx, event, logger)
	}

	result, err := s.scoring.ScoreEvent(ctx, event)
	if err != nil {
		if errors.Is(err, scoring.ErrScoringUnavailable) {
			logger.Warn("scoring exhausted, scheduling retry")
			return s.scheduleScoringRetry(ctx, event, traceID)
		}
		return err
	}

	if event.Status == ingest.EventReceived {
		if err := s.ingest.MarkStatus(ctx, event.ID, ingest.EventScored); err != nil {
			return err
		}
	}

	grant, err := s.evaluator.Evaluate(ctx, event, result)
	if err != nil {
		var ineligible *eligibility.Ineligible
		if errors.As(err, &ineligible) {
			logger.Info("event ineligible", zap.String("reason", ineligible.Reason))
			return s.ingest.MarkStatus(ctx, event.ID, ingest.EventIneligible)
		}
		return err
	}

	if err := s.ingest.MarkStatus(ctx, event.ID, ingest.EventGranted); err != nil {
		return err
	}

	return s.dispatchGrant(ctx, event.CampaignID, grant, logger)
}

// redispatch resumes a granted event whose issuance tasks never made it to
// the queue.
func (s *Service) redispatch(ctx context.Context, event *ingest.ParticipationEvent, logger *zap.Logger) error {
	grant, err := s.ledger.GrantForEvent(ctx, event.CampaignID, event.Participant, event.ID)
	if err != nil {
		return err
	}
	if grant == nil {
		logger.Warn("granted event has no ledger grant")
		return nil
	}
	return s.dispatchGrant(ctx, event.CampaignID, grant, logger)
}

func (s *Service) dispatchGrant(ctx context.Context, campaignID string, grant *ledger.Grant, logger *zap.Logger) error {
	if grant.Status != ledger.GrantPending && grant.Status != ledger.GrantIssuing {
		logger.Info("grant already terminal, nothing to dispatch",
			zap.String("grant_id", grant.ID),
			zap.String("status", string(grant.Status)))
		return nil
	}

	var c campaign.Campaign
	if err := s.db.WithContext(ctx).
		Preload("Chains").
		Where("id = ?", campaignID).
		First(&c).Error; err != nil {
		return err
	}

	logger.Info("dispatching grant",
		zap.String("grant_id", grant.ID),
		zap.Int64("amount", grant.Amount))

	return s.dispatcher.Dispatch(ctx, grant, c.TargetChains())
}

// Requeue picks up work that fell out of the task stream: unsettled events
// whose enqueue failed after persisting, and grants still waiting on their
// issuance tasks. Driven by the campaign:sweep task.
func (s *Service) Requeue(ctx context.Context) error {
	if s.enqueuer == nil {
		return nil
	}

	logger := zap.L()
	cutoff := time.Now().Add(-requeueAge)

	events, err := s.ingest.UnsettledBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, event := range events {
		payload, err := json.Marshal(ingest.EventProcessPayload{
			EventID:    event.ID,
			CampaignID: event.CampaignID,
		})
		if err != nil {
			return err
		}
		if _, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(ingest.TaskEventProcess, payload)); err != nil {
			logger.Error("requeue: event enqueue failed",
				zap.String("event_id", event.ID), zap.Error(err))
		}
	}

	var campaigns []campaign.Campaign
	if err := s.db.WithContext(ctx).
		Preload("Chains").
		Where("status IN ?", []campaign.CampaignStatus{campaign.StatusActive, campaign.StatusCompleted}).
		Find(&campaigns).Error; err != nil {
		return err
	}

	for _, c := range campaigns {
		grants, err := s.ledger.DispatchableGrants(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if g.CreatedAt.After(cutoff) {
				continue
			}
			if err := s.dispatcher.Dispatch(ctx, g, c.TargetChains()); err != nil {
				logger.Error("requeue: grant dispatch failed",
					zap.String("grant_id", g.ID), zap.Error(err))
			}
		}
	}

	return nil
}

func (s *Service) scheduleScoringRetry(ctx context.Context, event *ingest.ParticipationEvent, traceID string) error {
	if s.enqueuer == nil {
		return nil
	}

	payload, err := json.Marshal(scoring.RetryPayload{
		EventID:    event.ID,
		CampaignID: event.CampaignID,
		TraceID:    traceID,
	})
	if err != nil {
		return err
	}

	_, err = s.enqueuer.Enqueue(ctx,
		asynq.NewTask(scoring.TaskScoringRetry, payload),
		asynq.Queue("low"),
		asynq.ProcessIn(scoringRetryDelay),
	)
	return err
}
