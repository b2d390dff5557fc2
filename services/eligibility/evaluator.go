package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewardplane/pkg/celengine"
	"rewardplane/pkg/config"
	"rewardplane/pkg/repository"
	"rewardplane/services/campaign"
	"rewardplane/services/ingest"
	"rewardplane/services/ledger"
	"rewardplane/services/scoring"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ineligible is the verdict for an event that passed through the policy and
// earns nothing. It is not a processing failure; the pipeline records it and
// moves on.
type Ineligible struct {
	Reason string
}

func (e *Ineligible) Error() string {
	return "ineligible: " + e.Reason
}

const (
	ReasonScoreBelowThreshold = "score below threshold"
	ReasonExpressionRejected  = "eligibility expression rejected"
	ReasonParticipantCapped   = "participant reward cap reached"
	ReasonTiersExhausted      = "all reward tiers exhausted"
	ReasonBudgetExhausted     = "campaign budget exhausted"
	ReasonCampaignClosed      = "campaign no longer granting"
)

// Evaluator applies the reward policy to a scored event. Rules run in a fixed
// order; the first one that fails decides the reason.
type Evaluator struct {
	db     *gorm.DB
	cel    *celengine.Engine
	ledger *ledger.Service
	grace  time.Duration

	campaigns repository.Repository[campaign.Campaign]
}

type EvaluatorParams struct {
	fx.In

	DB     *gorm.DB
	CEL    *celengine.Engine
	Ledger *ledger.Service
	Config *config.Config
}

func NewEvaluator(p EvaluatorParams) *Evaluator {
	return &Evaluator{
		db:     p.DB,
		cel:    p.CEL,
		ledger: p.Ledger,
		grace:  p.Config.Settlement.GraceWindow,

		campaigns: repository.ProvideStore[campaign.Campaign](p.DB),
	}
}

// Evaluate decides whether a scored event earns a grant and, if so, records
// it in the ledger. Re-evaluating an already granted event returns the
// existing grant. An *Ineligible error means the policy said no.
func (e *Evaluator) Evaluate(ctx context.Context, event *ingest.ParticipationEvent, result *scoring.ScoreResult) (*ledger.Grant, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	c, err := e.loadCampaign(ctx, event.CampaignID)
	if err != nil {
		return nil, err
	}

	if result.Score < c.MinScore {
		return nil, &Ineligible{Reason: ReasonScoreBelowThreshold}
	}

	if c.EligibilityExpr != "" {
		ok, err := e.cel.EvalBool(c.EligibilityExpr, map[string]any{
			"score":       result.Score,
			"participant": event.Participant,
			"content":     event.Content,
			"hashtag":     c.Hashtag,
		})
		if err != nil {
			zap.L().Error("eligibility expression evaluation failed",
				zap.String("campaign_id", c.ID), zap.Error(err))
			return nil, err
		}
		if !ok {
			return nil, &Ineligible{Reason: ReasonExpressionRejected}
		}
	}

	if c.MaxPerAddress > 0 {
		count, err := e.ledger.ParticipantGrantCount(ctx, c.ID, event.Participant)
		if err != nil {
			return nil, err
		}
		if count >= int64(c.MaxPerAddress) {
			return nil, &Ineligible{Reason: ReasonParticipantCapped}
		}
	}

	tier, err := e.selectTier(ctx, c)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	granting := c.Status == campaign.StatusActive ||
		(c.Status == campaign.StatusCompleted && c.InSettlementGrace(now, e.grace))
	if !granting {
		return nil, &Ineligible{Reason: ReasonCampaignClosed}
	}

	grant, err := e.ledger.RecordGrant(ctx, &ledger.Grant{
		CampaignID:  c.ID,
		Participant: event.Participant,
		EventID:     event.ID,
		TierID:      tier.ID,
		TierName:    tier.Name,
		Amount:      tier.UnitCost,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrBudgetExhausted) {
			return nil, &Ineligible{Reason: ReasonBudgetExhausted}
		}
		return nil, err
	}

	return grant, nil
}

func (e *Evaluator) loadCampaign(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	var c campaign.Campaign
	err := e.db.WithContext(ctx).
		Preload("Tiers", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("id = ?", campaignID).
		First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("campaign %s not found", campaignID)
		}
		return nil, err
	}
	return &c, nil
}

// selectTier walks tiers in position order and picks the first with
// remaining capacity whose cost still fits the budget. A tier too expensive
// for what is left falls through to the cheaper ones behind it.
func (e *Evaluator) selectTier(ctx context.Context, c *campaign.Campaign) (*campaign.RewardTier, error) {
	remaining, err := e.ledger.BudgetRemaining(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	open := false
	for i := range c.Tiers {
		tier := &c.Tiers[i]
		count, err := e.ledger.TierGrantCount(ctx, c.ID, tier.ID)
		if err != nil {
			return nil, err
		}
		if count >= tier.MaxCount {
			continue
		}
		open = true
		if tier.UnitCost <= remaining {
			return tier, nil
		}
	}
	if open {
		return nil, &Ineligible{Reason: ReasonBudgetExhausted}
	}
	return nil, &Ineligible{Reason: ReasonTiersExhausted}
}
