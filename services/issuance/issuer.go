package issuance

import (
	"context"
	"fmt"

	"rewardplane/services/ledger"
)

// IssueRequest carries everything a chain adapter needs to mint one reward.
// IdempotencyKey is scoped to the (grant, chain) pair so a replayed request
// never mints twice.
type IssueRequest struct {
	IdempotencyKey string
	Chain          string
	Recipient      string
	Amount         int64
	TierName       string
	CampaignID     string
}

// ChainIssuer is one chain's minting adapter.
type ChainIssuer interface {
	// Issue submits the mint and returns the transaction reference.
	Issue(ctx context.Context, req IssueRequest) (string, error)

	// QueryByReference looks up a previously submitted mint by its
	// idempotency key. Used to reconcile timed-out attempts before
	// declaring them failed.
	QueryByReference(ctx context.Context, idempotencyKey string) (txRef string, found bool, err error)
}

// Registry maps chain names to their issuers.
type Registry map[string]ChainIssuer

func (r Registry) For(chain string) (ChainIssuer, error) {
	issuer, ok := r[chain]
	if !ok {
		return nil, fmt.Errorf("no issuer registered for chain %s", chain)
	}
	return issuer, nil
}

// ChainIdempotencyKey derives the per-chain mint key from the grant's ledger
// idempotency key.
func ChainIdempotencyKey(g *ledger.Grant, chain string) string {
	return g.IdempotencyKey + "|" + chain
}
