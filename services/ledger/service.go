package ledger

import (
	"context"
	"errors"

	"rewardplane/pkg/db/option"
	"rewardplane/pkg/errutil"
	"rewardplane/pkg/repository"
	"rewardplane/pkg/sequence"
	"rewardplane/services/campaign"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sentinel causes, wrapped in errutil codes by the service methods.
var (
	ErrBudgetExhausted = errors.New("campaign budget exhausted")
	ErrGrantNotFound   = errors.New("grant not found")
	ErrNotReversible   = errors.New("grant not in a reversible state")
)

// Service owns every Grant and IssuanceAttempt mutation. No other component
// writes these tables.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	grants    repository.Repository[Grant]
	attempts  repository.Repository[IssuanceAttempt]
	reversals repository.Repository[GrantReversal]
	campaigns repository.Repository[campaign.Campaign]
}

type ServiceParams struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		seq:  p.Seq,

		grants:    repository.ProvideStore[Grant](p.DB),
		attempts:  repository.ProvideStore[IssuanceAttempt](p.DB),
		reversals: repository.ProvideStore[GrantReversal](p.DB),
		campaigns: repository.ProvideStore[campaign.Campaign](p.DB),
	}
}

// RecordGrant appends a grant, atomically reserving its cost against the
// campaign budget. Calls are idempotent: a duplicate idempotency key returns
// the existing grant so callers can retry safely. Budget is checked inside
// the same transaction that inserts the row; the campaign row lock serializes
// concurrent reservations.
func (s *Service) RecordGrant(ctx context.Context, g *Grant) (*Grant, error) {
	if g.IdempotencyKey == "" {
		g.IdempotencyKey = IdempotencyKey(g.CampaignID, g.Participant, g.EventID)
	}

	// pre-check outside the tx for the common retry path
	if existing, err := s.grants.FindOne(ctx, &Grant{IdempotencyKey: g.IdempotencyKey}); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		grantsTx := s.grants.WithTrx(tx)
		campaignsTx := s.campaigns.WithTrx(tx)

		c, err := campaignsTx.FindOne(ctx, &campaign.Campaign{ID: g.CampaignID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return errutil.NotFound("campaign not found")
		}

		reserved, err := s.reservedTotal(ctx, tx, g.CampaignID)
		if err != nil {
			return err
		}
		if reserved+g.Amount > c.TotalBudget {
			return errutil.UnprocessableEntity("campaign budget exhausted", errutil.WithErr(ErrBudgetExhausted))
		}

		lastGrant, err := grantsTx.FindOne(ctx, &Grant{CampaignID: g.CampaignID},
			option.WithSortBy(option.QuerySortBy{
				SortBy:  "created_at",
				OrderBy: "desc",
				Allow:   map[string]bool{"created_at": true},
			}),
			option.WithLockingUpdate(),
		)
		if err != nil {
			return err
		}

		g.ID = s.node.Generate().String()
		g.Status = GrantPending
		g.PreviousHash = "GENESIS"
		if lastGrant != nil {
			g.PreviousHash = lastGrant.Hash
		}
		g.Hash = g.GenerateHash()

		if g.Code == "" && s.seq != nil {
			if code, err := s.seq.NextGrantCode(ctx, c.Code); err == nil {
				g.Code = code
			}
		}

		return grantsTx.Create(ctx, g)
	})
	if err != nil {
		// two evaluations raced past the pre-check; the unique key decides
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.grants.FindOne(ctx, &Grant{IdempotencyKey: g.IdempotencyKey})
		}
		return nil, err
	}

	return g, nil
}

// BudgetRemaining is total budget minus everything reserved by grants in
// Pending, Issuing or Issued.
func (s *Service) BudgetRemaining(ctx context.Context, campaignID string) (int64, error) {
	c, err := s.campaigns.FindOne(ctx, &campaign.Campaign{ID: campaignID})
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, errutil.NotFound("campaign not found")
	}

	reserved, err := s.reservedTotal(ctx, nil, campaignID)
	if err != nil {
		return 0, err
	}

	return c.TotalBudget - reserved, nil
}

// ReservedTotal reports the budget currently held by non-reversed,
// non-terminal-failed grants.
func (s *Service) ReservedTotal(ctx context.Context, campaignID string) (int64, error) {
	return s.reservedTotal(ctx, nil, campaignID)
}

func (s *Service) reservedTotal(ctx context.Context, tx *gorm.DB, campaignID string) (int64, error) {
	db := s.db
	if tx != nil {
		db = tx
	}

	var reserved int64
	err := db.WithContext(ctx).Model(&Grant{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("campaign_id = ? AND status IN ?", campaignID, ReservedStatuses).
		Scan(&reserved).Error
	return reserved, err
}

// ParticipantGrantCount counts budget-holding grants for one participant,
// used to enforce the per-participant cap.
func (s *Service) ParticipantGrantCount(ctx context.Context, campaignID, participant string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Grant{}).
		Where("campaign_id = ? AND participant = ? AND status IN ?", campaignID, participant, ReservedStatuses).
		Count(&n).Error
	return n, err
}

// TierGrantCount counts grants already recorded against one tier.
func (s *Service) TierGrantCount(ctx context.Context, campaignID, tierID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Grant{}).
		Where("campaign_id = ? AND tier_id = ? AND status IN ?", campaignID, tierID, ReservedStatuses).
		Count(&n).Error
	return n, err
}

// MarkIssuing moves a grant into Issuing before a dispatch attempt. Pending
// and Failed (retry) are the only valid origins.
func (s *Service) MarkIssuing(ctx context.Context, grantID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		grantsTx := s.grants.WithTrx(tx.Scopes(option.LockingUpdate))

		g, err := grantsTx.FindOne(ctx, &Grant{ID: grantID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if g == nil {
			return errutil.NotFound("grant not found", errutil.WithErr(ErrGrantNotFound))
		}

		switch g.Status {
		case GrantIssuing:
			return nil // already in flight, redispatch is a no-op here
		case GrantPending, GrantFailed:
			return grantsTx.Update(ctx, g.ID, &Grant{Status: GrantIssuing})
		default:
			return errutil.Conflict("grant not dispatchable from status " + string(g.Status))
		}
	})
}

// MarkFailed records terminal failure after the attempt cap is exhausted.
// Only Reversed can follow, freeing the reserved budget.
func (s *Service) MarkFailed(ctx context.Context, grantID string) error {
	return s.grants.Update(ctx, grantID, &Grant{Status: GrantFailed})
}

// RecordAttemptOutcome appends one issuance attempt and folds its outcome
// into the grant status. At most one Confirmed attempt may exist per
// (grant, chain); a second confirmation is dropped as a no-op so reconcile
// and dispatch may both report the same result.
func (s *Service) RecordAttemptOutcome(ctx context.Context, grantID string, attempt *IssuanceAttempt) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		grantsTx := s.grants.WithTrx(tx)
		attemptsTx := s.attempts.WithTrx(tx)

		g, err := grantsTx.FindOne(ctx, &Grant{ID: grantID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if g == nil {
			return errutil.NotFound("grant not found", errutil.WithErr(ErrGrantNotFound))
		}

		if attempt.Outcome == AttemptConfirmed {
			confirmed, err := attemptsTx.FindOne(ctx, &IssuanceAttempt{
				GrantID: grantID, Chain: attempt.Chain, Outcome: AttemptConfirmed,
			})
			if err != nil {
				return err
			}
			if confirmed != nil {
				zap.L().Info("duplicate confirmation ignored",
					zap.String("grant_id", grantID), zap.String("chain", attempt.Chain))
				return nil
			}
		}

		if attempt.AttemptNumber == 0 {
			prior, err := attemptsTx.Count(ctx, &IssuanceAttempt{GrantID: grantID, Chain: attempt.Chain})
			if err != nil {
				return err
			}
			attempt.AttemptNumber = int(prior) + 1
		}

		attempt.ID = s.node.Generate().String()
		attempt.GrantID = grantID
		if err := attemptsTx.Create(ctx, attempt); err != nil {
			return err
		}

		if attempt.Outcome != AttemptConfirmed {
			return nil
		}

		return s.promoteIfFullyConfirmed(ctx, tx, g)
	})
}

// promoteIfFullyConfirmed moves the grant to Issued once every target chain
// of its campaign has a confirmed attempt. Campaigns without explicit chain
// rows are single-target.
func (s *Service) promoteIfFullyConfirmed(ctx context.Context, tx *gorm.DB, g *Grant) error {
	c, err := s.campaigns.WithTrx(tx).FindOne(ctx, &campaign.Campaign{ID: g.CampaignID})
	if err != nil {
		return err
	}

	var targets int64 = 1
	if c != nil {
		var n int64
		if err := tx.WithContext(ctx).Model(&campaign.CampaignChain{}).
			Where("campaign_id = ?", c.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			targets = n
		}
	}

	var confirmedChains int64
	if err := tx.WithContext(ctx).Model(&IssuanceAttempt{}).
		Where("grant_id = ? AND outcome = ?", g.ID, AttemptConfirmed).
		Distinct("chain").Count(&confirmedChains).Error; err != nil {
		return err
	}

	if confirmedChains >= targets {
		return s.grants.WithTrx(tx).Update(ctx, g.ID, &Grant{Status: GrantIssued})
	}
	return nil
}

// Reverse voids a grant and frees its reserved budget. Issued grants stand;
// only Pending and Failed grants can be reversed.
func (s *Service) Reverse(ctx context.Context, grantID, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		grantsTx := s.grants.WithTrx(tx)

		g, err := grantsTx.FindOne(ctx, &Grant{ID: grantID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if g == nil {
			return errutil.NotFound("grant not found", errutil.WithErr(ErrGrantNotFound))
		}

		if g.Status != GrantPending && g.Status != GrantFailed {
			return errutil.Conflict("grant not reversible from status "+string(g.Status),
				errutil.WithErr(ErrNotReversible))
		}

		if err := s.reversals.WithTrx(tx).Create(ctx, &GrantReversal{
			ID:      s.node.Generate().String(),
			GrantID: g.ID,
			Reason:  reason,
		}); err != nil {
			return err
		}

		return grantsTx.Update(ctx, g.ID, &Grant{Status: GrantReversed})
	})
}

// ReverseOpenGrants reverses every Pending grant of a campaign. Used by the
// Cancelled transition; Issuing grants are left to finish and reconcile.
func (s *Service) ReverseOpenGrants(ctx context.Context, campaignID, reason string) error {
	pending, err := s.grants.Find(ctx, &Grant{CampaignID: campaignID, Status: GrantPending})
	if err != nil {
		return err
	}

	for _, g := range pending {
		if err := s.Reverse(ctx, g.ID, reason); err != nil {
			// a grant may have been dispatched between the list and the
			// reverse; skip it and keep going
			var base errutil.BaseError
			if errors.As(err, &base) && base.Code == errutil.StatusConflict {
				continue
			}
			return err
		}
	}
	return nil
}

// OpenGrantCount counts grants still holding a non-terminal status.
func (s *Service) OpenGrantCount(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Grant{}).
		Where("campaign_id = ? AND status IN ?", campaignID, []GrantStatus{GrantPending, GrantIssuing}).
		Count(&n).Error
	return n, err
}

// IssuanceProgress reports issued vs total budget-holding grants, feeding the
// campaign progress endpoint.
func (s *Service) IssuanceProgress(ctx context.Context, campaignID string) (issued, total int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Grant{}).
		Where("campaign_id = ? AND status = ?", campaignID, GrantIssued).
		Count(&issued).Error; err != nil {
		return 0, 0, err
	}

	if err = s.db.WithContext(ctx).Model(&Grant{}).
		Where("campaign_id = ? AND status IN ?", campaignID, ReservedStatuses).
		Count(&total).Error; err != nil {
		return 0, 0, err
	}

	return issued, total, nil
}

// Grant returns one grant by ID.
func (s *Service) Grant(ctx context.Context, grantID string) (*Grant, error) {
	g, err := s.grants.FindOne(ctx, &Grant{ID: grantID})
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, errutil.NotFound("grant not found", errutil.WithErr(ErrGrantNotFound))
	}
	return g, nil
}

// GrantForEvent looks up the grant recorded for one participation event,
// nil when none exists.
func (s *Service) GrantForEvent(ctx context.Context, campaignID, participant, eventID string) (*Grant, error) {
	return s.grants.FindOne(ctx, &Grant{
		IdempotencyKey: IdempotencyKey(campaignID, participant, eventID),
	})
}

// GrantsByCampaign lists a campaign's grants, newest first.
func (s *Service) GrantsByCampaign(ctx context.Context, campaignID string) ([]*Grant, error) {
	return s.grants.Find(ctx, &Grant{CampaignID: campaignID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
}

// Attempts lists the attempt history for a grant.
func (s *Service) Attempts(ctx context.Context, grantID string) ([]*IssuanceAttempt, error) {
	return s.attempts.Find(ctx, &IssuanceAttempt{GrantID: grantID})
}

// VerifyChain recomputes every hash in a campaign's grant chain and reports
// the first broken link, if any.
func (s *Service) VerifyChain(ctx context.Context, campaignID string) (bool, string, error) {
	grants, err := s.grants.Find(ctx, &Grant{CampaignID: campaignID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		return false, "", err
	}

	prevHash := "GENESIS"
	for _, g := range grants {
		if g.PreviousHash != prevHash {
			return false, g.ID, nil
		}
		if g.Hash != g.GenerateHash() {
			return false, g.ID, nil
		}
		prevHash = g.Hash
	}

	return true, "", nil
}

// DispatchableGrants returns grants still awaiting a terminal issuance
// outcome for a campaign. Redispatching these is safe: per-chain handlers
// drop chains that already confirmed.
func (s *Service) DispatchableGrants(ctx context.Context, campaignID string) ([]*Grant, error) {
	var out []*Grant
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]GrantStatus{GrantPending, GrantIssuing}).
		Find(&out).Error
	return out, err
}
