package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type GrantStatus string

const (
	GrantPending  GrantStatus = "PENDING"
	GrantIssuing  GrantStatus = "ISSUING"
	GrantIssued   GrantStatus = "ISSUED"
	GrantFailed   GrantStatus = "FAILED"
	GrantReversed GrantStatus = "REVERSED"
)

// ReservedStatuses are the grant states that hold campaign budget. Budget is
// reserved at grant creation, not at issuance, so concurrent evaluation can
// never overcommit.
var ReservedStatuses = []GrantStatus{GrantPending, GrantIssuing, GrantIssued}

func (s GrantStatus) IsTerminal() bool {
	return s == GrantIssued || s == GrantFailed || s == GrantReversed
}

type AttemptOutcome string

const (
	AttemptPending   AttemptOutcome = "PENDING"
	AttemptConfirmed AttemptOutcome = "CONFIRMED"
	AttemptFailed    AttemptOutcome = "FAILED"
	AttemptTimedOut  AttemptOutcome = "TIMED_OUT"
)

// Grant records the decision that a participant is owed a reward, prior to
// on-chain issuance. Rows are append-only; corrections are reversal rows, not
// in-place edits. Each row is hash-chained to the previous grant of the same
// campaign for tamper evidence.
type Grant struct {
	ID             string      `gorm:"column:id;primaryKey"`
	Code           string      `gorm:"column:code"`
	CampaignID     string      `gorm:"column:campaign_id;index;not null"`
	Participant    string      `gorm:"column:participant;index;not null"`
	EventID        string      `gorm:"column:event_id;not null"`
	TierID         string      `gorm:"column:tier_id"`
	TierName       string      `gorm:"column:tier_name"`
	Amount         int64       `gorm:"column:amount;not null"`
	Status         GrantStatus `gorm:"column:status;type:varchar(20);not null;default:'PENDING'"`
	IdempotencyKey string      `gorm:"column:idempotency_key;uniqueIndex;not null"`
	PreviousHash   string      `gorm:"column:previous_hash"`
	Hash           string      `gorm:"column:hash"`
	CreatedAt      time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// IdempotencyKey derives the deterministic grant identity. Re-evaluating the
// same event can never mint a second grant because this key is unique.
func IdempotencyKey(campaignID, participant, eventID string) string {
	sum := sha256.Sum256([]byte(campaignID + "|" + participant + "|" + eventID))
	return hex.EncodeToString(sum[:])
}

// GenerateHash chains this grant to its campaign predecessor.
func (g *Grant) GenerateHash() string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		g.ID, g.CampaignID, g.Participant, g.EventID, g.Amount, g.PreviousHash)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// IssuanceAttempt is one try at issuing a grant on one target chain. A grant
// may accumulate many attempts but at most one Confirmed per chain.
type IssuanceAttempt struct {
	ID            string         `gorm:"column:id;primaryKey"`
	GrantID       string         `gorm:"column:grant_id;index;not null"`
	Chain         string         `gorm:"column:chain;not null"`
	AttemptNumber int            `gorm:"column:attempt_number;not null"`
	TxReference   string         `gorm:"column:tx_reference"`
	Outcome       AttemptOutcome `gorm:"column:outcome;type:varchar(20);not null;default:'PENDING'"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// GrantReversal is the append-only correction row referencing the grant it
// voids. The original grant row is never edited beyond its status column.
type GrantReversal struct {
	ID        string    `gorm:"column:id;primaryKey"`
	GrantID   string    `gorm:"column:grant_id;uniqueIndex;not null"`
	Reason    string    `gorm:"column:reason"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}
