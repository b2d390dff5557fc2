package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rewardplane/pkg/errutil"
	"rewardplane/services/campaign"
	"rewardplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fakeSource struct {
	content  string
	err      error
	attempts atomic.Int32
}

func (f *fakeSource) FetchPost(ctx context.Context, sourceRef string) (string, error) {
	f.attempts.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.content, nil
}

func newTestService(t *testing.T, source ContentSource, enqueuer *fakeEnqueuer) *Service {
	t.Helper()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{},
		&campaign.RewardTier{},
		&campaign.CampaignChain{},
		&ParticipationEvent{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	params := ServiceParams{DB: db, Node: node, Source: source}
	if enqueuer != nil {
		params.Enqueuer = enqueuer
	}

	svc := NewService(params)

	require.NoError(t, db.Create(&campaign.Campaign{
		ID:          "camp-1",
		Hashtag:     "gmwagmi",
		Status:      campaign.StatusActive,
		StartAt:     time.Now().Add(-time.Hour),
		EndAt:       time.Now().Add(time.Hour),
		TotalBudget: 100,
	}).Error)

	return svc
}

func TestSubmitRecordsAndEnqueues(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(t, nil, enqueuer)

	event, err := svc.Submit(context.Background(), "camp-1", &SubmitRequest{
		Participant: "0xabc",
		Content:     "gm to everyone #gmwagmi",
	})
	require.NoError(t, err)
	require.Equal(t, EventReceived, event.Status)
	require.Equal(t, HashContent("gm to everyone #gmwagmi"), event.ContentHash)

	require.Len(t, enqueuer.tasks, 1)
	require.Equal(t, TaskEventProcess, enqueuer.tasks[0].Type())
}

func TestSubmitDuplicateContentConflicts(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "camp-1", &SubmitRequest{
		Participant: "0xabc",
		Content:     "same post",
	})
	require.NoError(t, err)

	// even another participant cannot resubmit the same content
	_, err = svc.Submit(ctx, "camp-1", &SubmitRequest{
		Participant: "0xdef",
		Content:     "same post",
	})
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusConflict, base.Code)
}

func TestSubmitRejectedWhenNotActive(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.db.Model(&campaign.Campaign{}).
		Where("id = ?", "camp-1").
		Update("status", campaign.StatusPaused).Error)

	_, err := svc.Submit(ctx, "camp-1", &SubmitRequest{
		Participant: "0xabc",
		Content:     "late post",
	})
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusUnprocessableEntity, base.Code)
}

func TestSubmitRejectedOutsideWindow(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.db.Model(&campaign.Campaign{}).
		Where("id = ?", "camp-1").
		Update("end_at", time.Now().Add(-time.Minute)).Error)

	_, err := svc.Submit(ctx, "camp-1", &SubmitRequest{
		Participant: "0xabc",
		Content:     "too late",
	})
	require.Error(t, err)
}

func TestSubmitFetchesFromSource(t *testing.T) {
	source := &fakeSource{content: "fetched body"}
	svc := newTestService(t, source, nil)

	event, err := svc.Submit(context.Background(), "camp-1", &SubmitRequest{
		Participant: "0xabc",
		SourceRef:   "post-123",
	})
	require.NoError(t, err)
	require.Equal(t, "fetched body", event.Content)
	require.Equal(t, int32(1), source.attempts.Load())
}

func TestSubmitSourceUnavailable(t *testing.T) {
	source := &fakeSource{err: errors.New("rate limited")}
	svc := newTestService(t, source, nil)

	_, err := svc.Submit(context.Background(), "camp-1", &SubmitRequest{
		Participant: "0xabc",
		SourceRef:   "post-123",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSourceUnavailable))
	require.Equal(t, int32(3), source.attempts.Load())

	// nothing recorded
	events, lerr := svc.EventsByCampaign(context.Background(), "camp-1")
	require.NoError(t, lerr)
	require.Empty(t, events)
}
