package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepCompletesExpiredCampaign(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Launch(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, db.Model(&Campaign{}).
		Where("id = ?", c.ID).
		Update("end_at", time.Now().Add(-time.Minute)).Error)

	sweeper, err := NewSweeper(db, svc, testConfig())
	require.NoError(t, err)
	sweeper.Sweep()

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestSweepCompletesFullyReservedCampaign(t *testing.T) {
	svc, db := newTestService(t, func(p *ServiceParams) {
		p.Ledger = &fakeLedger{reserved: 100}
	})
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Launch(ctx, c.ID)
	require.NoError(t, err)

	sweeper, err := NewSweeper(db, svc, testConfig())
	require.NoError(t, err)
	sweeper.Sweep()

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestSweepSettlesDrainedCampaignAfterGrace(t *testing.T) {
	svc, db := newTestService(t, func(p *ServiceParams) {
		p.Ledger = &fakeLedger{open: 0}
	})
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Launch(ctx, c.ID)
	require.NoError(t, err)
	_, err = svc.transition(ctx, c.ID, StatusCompleted)
	require.NoError(t, err)

	// still inside the grace window: nothing settles
	sweeper, err := NewSweeper(db, svc, testConfig())
	require.NoError(t, err)
	sweeper.Sweep()

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	require.NoError(t, db.Model(&Campaign{}).
		Where("id = ?", c.ID).
		Update("end_at", time.Now().Add(-time.Hour)).Error)

	sweeper.Sweep()

	got, err = svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, got.Status)
}

func TestSweepLeavesOpenGrantsUnsettled(t *testing.T) {
	svc, db := newTestService(t, func(p *ServiceParams) {
		p.Ledger = &fakeLedger{open: 2}
	})
	ctx := context.Background()

	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Launch(ctx, c.ID)
	require.NoError(t, err)
	_, err = svc.transition(ctx, c.ID, StatusCompleted)
	require.NoError(t, err)

	require.NoError(t, db.Model(&Campaign{}).
		Where("id = ?", c.ID).
		Update("end_at", time.Now().Add(-time.Hour)).Error)

	sweeper, err := NewSweeper(db, svc, testConfig())
	require.NoError(t, err)
	sweeper.Sweep()

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}
