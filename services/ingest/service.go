package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rewardplane/pkg/errutil"
	"rewardplane/pkg/repository"
	"rewardplane/pkg/task"
	"rewardplane/services/campaign"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSourceUnavailable marks a social-platform outage. The submission fails
// upstream but nothing is recorded.
var ErrSourceUnavailable = errors.New("content source unavailable")

// ContentSource resolves a platform post reference to its body. Implementations
// wrap the social platform's read API.
type ContentSource interface {
	FetchPost(ctx context.Context, sourceRef string) (string, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	source   ContentSource
	enqueuer task.Enqueuer

	events    repository.Repository[ParticipationEvent]
	campaigns repository.Repository[campaign.Campaign]
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Source   ContentSource `optional:"true"`
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		source:   p.Source,
		enqueuer: p.Enqueuer,

		events:    repository.ProvideStore[ParticipationEvent](p.DB),
		campaigns: repository.ProvideStore[campaign.Campaign](p.DB),
	}
}

type SubmitRequest struct {
	Participant string     `json:"participant"`
	SourceRef   string     `json:"source_ref"`
	Content     string     `json:"content"`
	OccurredAt  *time.Time `json:"occurred_at"`
}

func (r *SubmitRequest) validate() []errutil.Detail {
	var details []errutil.Detail
	if r.Participant == "" {
		details = append(details, errutil.Detail{Field: "participant", Message: "is required"})
	}
	if r.Content == "" && r.SourceRef == "" {
		details = append(details, errutil.Detail{Field: "content", Message: "either content or source_ref is required"})
	}
	return details
}

// Submit records one engagement event for an accepting campaign and queues it
// for scoring. Resubmitting the same content is a conflict; the stored event
// is untouched.
func (s *Service) Submit(ctx context.Context, campaignID string, req *SubmitRequest) (*ParticipationEvent, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if details := req.validate(); len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid participation event", errutil.WithDetails(details...))
	}

	c, err := s.campaigns.FindOne(ctx, &campaign.Campaign{ID: campaignID})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found")
	}

	now := time.Now()
	if !c.AcceptingEvents(now) {
		return nil, errutil.UnprocessableEntity("campaign is not accepting events")
	}

	content := req.Content
	if content == "" {
		content, err = s.fetchPost(ctx, req.SourceRef)
		if err != nil {
			return nil, err
		}
	}

	occurredAt := now
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	event := &ParticipationEvent{
		ID:          s.node.Generate().String(),
		CampaignID:  c.ID,
		Participant: req.Participant,
		SourceRef:   req.SourceRef,
		Content:     content,
		ContentHash: HashContent(content),
		Status:      EventReceived,
		OccurredAt:  occurredAt,
	}

	existing, err := s.events.FindOne(ctx, &ParticipationEvent{
		CampaignID:  c.ID,
		ContentHash: event.ContentHash,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errutil.Conflict("event already submitted for this campaign")
	}

	if err := s.events.Create(ctx, event); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("event already submitted for this campaign")
		}
		return nil, err
	}

	if err := s.enqueueProcess(ctx, event); err != nil {
		// the event is durable; the requeue pass picks it up
		zap.L().Error("failed to enqueue event processing",
			zap.String("event_id", event.ID), zap.Error(err))
	}

	return event, nil
}

func (s *Service) fetchPost(ctx context.Context, sourceRef string) (string, error) {
	if s.source == nil {
		return "", errutil.UnprocessableEntity("no content source configured")
	}

	var content string
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	err := backoff.Retry(func() error {
		var ferr error
		content, ferr = s.source.FetchPost(ctx, sourceRef)
		return ferr
	}, policy)
	if err != nil {
		zap.L().Warn("content source fetch failed",
			zap.String("source_ref", sourceRef), zap.Error(err))
		return "", errutil.BadGateway("content source unavailable",
			errutil.WithErr(errors.Join(ErrSourceUnavailable, err)))
	}

	return content, nil
}

func (s *Service) enqueueProcess(ctx context.Context, event *ParticipationEvent) error {
	if s.enqueuer == nil {
		return nil
	}

	payload, err := json.Marshal(EventProcessPayload{
		EventID:    event.ID,
		CampaignID: event.CampaignID,
		TraceID:    trace.SpanFromContext(ctx).SpanContext().TraceID().String(),
	})
	if err != nil {
		return err
	}

	_, err = s.enqueuer.Enqueue(ctx,
		asynq.NewTask(TaskEventProcess, payload),
		asynq.Queue("default"),
		asynq.MaxRetry(5),
	)
	return err
}

// Event loads one participation event.
func (s *Service) Event(ctx context.Context, eventID string) (*ParticipationEvent, error) {
	event, err := s.events.FindOne(ctx, &ParticipationEvent{ID: eventID})
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, errutil.NotFound("event not found")
	}
	return event, nil
}

// MarkStatus moves an event through the processing pipeline.
func (s *Service) MarkStatus(ctx context.Context, eventID string, status EventStatus) error {
	return s.events.Update(ctx, eventID, &ParticipationEvent{Status: status})
}

// UnsettledBefore returns events still awaiting a verdict that arrived
// before the cutoff. These are events whose processing task never ran,
// usually because the enqueue after Submit failed.
func (s *Service) UnsettledBefore(ctx context.Context, cutoff time.Time) ([]*ParticipationEvent, error) {
	var out []*ParticipationEvent
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]EventStatus{EventReceived, EventScored}, cutoff).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// EventsByCampaign lists a campaign's events newest first.
func (s *Service) EventsByCampaign(ctx context.Context, campaignID string) ([]*ParticipationEvent, error) {
	var out []*ParticipationEvent
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}
