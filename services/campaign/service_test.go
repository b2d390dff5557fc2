package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewardplane/pkg/config"
	"rewardplane/pkg/errutil"
	"rewardplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEscrow struct {
	balance int64
	err     error
}

func (f *fakeEscrow) CheckEscrow(ctx context.Context, campaignID string) (int64, error) {
	return f.balance, f.err
}

type fakeFlags struct {
	enabled bool
}

func (f *fakeFlags) IsEnabled(ctx context.Context, feature string) bool {
	return f.enabled
}

type fakeLedger struct {
	reserved  int64
	open      int64
	issued    int64
	total     int64
	reversals []string
}

func (f *fakeLedger) ReservedTotal(ctx context.Context, campaignID string) (int64, error) {
	return f.reserved, nil
}

func (f *fakeLedger) OpenGrantCount(ctx context.Context, campaignID string) (int64, error) {
	return f.open, nil
}

func (f *fakeLedger) IssuanceProgress(ctx context.Context, campaignID string) (int64, int64, error) {
	return f.issued, f.total, nil
}

func (f *fakeLedger) ReverseOpenGrants(ctx context.Context, campaignID, reason string) error {
	f.reversals = append(f.reversals, campaignID+":"+reason)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pricing.RewardUnitCost = 0.001
	cfg.Pricing.MonitoringDayCost = 0.01
	cfg.Pricing.MultiChainPremium = 0.5
	cfg.Settlement.GraceWindow = 15 * time.Minute
	return cfg
}

func newTestService(t *testing.T, opts func(*ServiceParams)) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Campaign{}, &RewardTier{}, &CampaignChain{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	params := ServiceParams{
		DB:     db,
		Node:   node,
		Config: testConfig(),
		Escrow: &fakeEscrow{balance: 1 << 40},
		Flags:  &fakeFlags{enabled: true},
		Ledger: &fakeLedger{},
	}
	if opts != nil {
		opts(&params)
	}

	return NewService(params), db
}

func validRequest() *CreateRequest {
	return &CreateRequest{
		Hashtag:      "#GmWagmi",
		Description:  "Reward the loudest fans",
		DurationDays: 30,
		TotalBudget:  100,
		TotalRewards: 50,
	}
}

func TestCreateValidationDetails(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Create(context.Background(), &CreateRequest{MultiChain: true, Chains: []string{"solana"}})
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusValidationFailed, base.Code)

	fields := map[string]bool{}
	for _, d := range base.Details {
		fields[d.Field] = true
	}
	require.True(t, fields["hashtag"])
	require.True(t, fields["description"])
	require.True(t, fields["duration_days"])
	require.True(t, fields["total_budget"])
	require.True(t, fields["chains"])
}

func TestCreateDefaultsSingleTier(t *testing.T) {
	svc, _ := newTestService(t, nil)

	c, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, StatusDraft, c.Status)
	require.Equal(t, "gmwagmi", c.Hashtag)
	require.Len(t, c.Tiers, 1)
	require.Equal(t, "Standard", c.Tiers[0].Name)
	require.Equal(t, int64(2), c.Tiers[0].UnitCost)
	require.Equal(t, int64(50), c.Tiers[0].MaxCount)
	require.True(t, c.EndAt.After(c.StartAt))
}

func TestLaunchRequiresEscrow(t *testing.T) {
	svc, _ := newTestService(t, func(p *ServiceParams) {
		p.Escrow = &fakeEscrow{balance: 99}
	})

	c, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = svc.Launch(context.Background(), c.ID)
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusUnprocessableEntity, base.Code)

	got, err := svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
}

func TestLaunchConflictsOnActiveHashtag(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Launch(ctx, first.ID)
	require.NoError(t, err)

	second, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)

	_, err = svc.Launch(ctx, second.ID)
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusConflict, base.Code)
}

func TestLaunchMultiChainGate(t *testing.T) {
	svc, _ := newTestService(t, func(p *ServiceParams) {
		p.Flags = &fakeFlags{enabled: false}
	})
	ctx := context.Background()

	req := validRequest()
	req.MultiChain = true
	req.Chains = []string{"polygon", "base"}

	c, err := svc.Create(ctx, req)
	require.NoError(t, err)

	_, err = svc.Launch(ctx, c.ID)
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusUnprocessableEntity, base.Code)
}

func TestCancelReversesOpenGrants(t *testing.T) {
	ledger := &fakeLedger{}
	svc, _ := newTestService(t, func(p *ServiceParams) {
		p.Ledger = ledger
	})
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Launch(ctx, c.ID)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Len(t, ledger.reversals, 1)

	// terminal: no way back
	_, err = svc.Resume(ctx, c.ID)
	require.Error(t, err)
}

func TestPauseStopsResumeRestores(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Launch(ctx, c.ID)
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, paused.Status)

	resumed, err := svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, resumed.Status)
}

func TestStatusStages(t *testing.T) {
	svc, _ := newTestService(t, func(p *ServiceParams) {
		p.Ledger = &fakeLedger{issued: 3, total: 10}
	})
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)

	report, err := svc.Status(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "initializing", report.Stage)
	require.Equal(t, 10, report.PercentComplete)

	_, err = svc.Launch(ctx, c.ID)
	require.NoError(t, err)

	report, err = svc.Status(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "active", report.Stage)
	require.Equal(t, 52, report.PercentComplete)
}

func TestDashboardAggregates(t *testing.T) {
	svc, _ := newTestService(t, func(p *ServiceParams) {
		p.Ledger = &fakeLedger{reserved: 8, open: 2, issued: 3, total: 5}
	})
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)

	rows, err := svc.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, c.ID, rows[0].Campaign.ID)
	require.Equal(t, int64(8), rows[0].Reserved)
	require.Equal(t, int64(2), rows[0].OpenGrants)
	require.Equal(t, int64(3), rows[0].Issued)
	require.Equal(t, int64(5), rows[0].TotalGrants)
}
