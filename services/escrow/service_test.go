package escrow

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rewardplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Account{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(db, node)
}

func TestDepositAccumulates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Deposit(ctx, "camp-1", 40)
	require.NoError(t, err)
	require.Equal(t, int64(40), first.Balance)

	second, err := svc.Deposit(ctx, "camp-1", 60)
	require.NoError(t, err)
	require.Equal(t, int64(100), second.Balance)

	balance, err := svc.CheckEscrow(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestCheckEscrowMissingAccount(t *testing.T) {
	svc := newTestService(t)

	balance, err := svc.CheckEscrow(context.Background(), "unknown")
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Deposit(context.Background(), "camp-1", 0)
	require.Error(t, err)

	_, err = svc.Deposit(context.Background(), "camp-1", -5)
	require.Error(t, err)
}
