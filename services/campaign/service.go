package campaign

import (
	"context"
	"fmt"
	"time"

	"rewardplane/pkg/config"
	"rewardplane/pkg/db/option"
	"rewardplane/pkg/errutil"
	"rewardplane/pkg/featureflags"
	"rewardplane/pkg/repository"
	"rewardplane/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EscrowProvider is the external capability that reports locked launch funds.
// Consulted at the Draft -> Active transition only.
type EscrowProvider interface {
	CheckEscrow(ctx context.Context, campaignID string) (int64, error)
}

// LedgerFacade is the slice of the reward ledger the campaign lifecycle needs.
// Implemented by services/ledger and wired through fx.
type LedgerFacade interface {
	ReservedTotal(ctx context.Context, campaignID string) (int64, error)
	OpenGrantCount(ctx context.Context, campaignID string) (int64, error)
	IssuanceProgress(ctx context.Context, campaignID string) (issued, total int64, err error)
	ReverseOpenGrants(ctx context.Context, campaignID, reason string) error
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	seq    sequence.Generator
	policy PricingPolicy
	escrow EscrowProvider
	flags  featureflags.FeatureFlag
	ledger LedgerFacade

	campaigns repository.Repository[Campaign]
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Seq    sequence.Generator       `optional:"true"`
	Escrow EscrowProvider           `optional:"true"`
	Flags  featureflags.FeatureFlag `optional:"true"`
	Ledger LedgerFacade             `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		seq:    p.Seq,
		policy: PolicyFromConfig(p.Config),
		escrow: p.Escrow,
		flags:  p.Flags,
		ledger: p.Ledger,

		campaigns: repository.ProvideStore[Campaign](p.DB),
	}
}

func (s *Service) Policy() PricingPolicy {
	return s.policy
}

// TierSpec is one reward tier in a creation request.
type TierSpec struct {
	Name     string `json:"name"`
	UnitCost int64  `json:"unit_cost"`
	MaxCount int64  `json:"max_count"`
}

// CreateRequest is the atomic campaign-creation payload. It carries the whole
// wizard form; validation returns structured per-field details, never a bare
// message.
type CreateRequest struct {
	Hashtag         string     `json:"hashtag"`
	Description     string     `json:"description"`
	CollectionName  string     `json:"collection_name"`
	BaseURI         string     `json:"base_uri"`
	ImageURL        string     `json:"image_url"`
	DurationDays    int        `json:"duration_days"`
	StartAt         *time.Time `json:"start_at"`
	TotalBudget     int64      `json:"total_budget"`
	TotalRewards    int64      `json:"total_rewards"`
	MaxSupply       int64      `json:"max_supply"`
	MinScore        float64    `json:"min_score"`
	MaxPerAddress   int        `json:"max_per_address"`
	EligibilityExpr string     `json:"eligibility_expr"`
	MultiChain      bool       `json:"multi_chain"`
	Chains          []string   `json:"chains"`
	Tiers           []TierSpec `json:"tiers"`
}

func (r *CreateRequest) validate() []errutil.Detail {
	var details []errutil.Detail

	if NormalizeHashtag(r.Hashtag) == "" {
		details = append(details, errutil.Detail{Field: "hashtag", Message: "must match ^#?[A-Za-z0-9_]+$"})
	}
	if r.Description == "" {
		details = append(details, errutil.Detail{Field: "description", Message: "is required"})
	}
	if r.DurationDays <= 0 {
		details = append(details, errutil.Detail{Field: "duration_days", Message: "must be greater than 0"})
	}
	if r.TotalBudget <= 0 {
		details = append(details, errutil.Detail{Field: "total_budget", Message: "must be greater than 0"})
	}
	if r.TotalRewards <= 0 {
		details = append(details, errutil.Detail{Field: "total_rewards", Message: "must be greater than 0"})
	}
	for i, t := range r.Tiers {
		if t.Name == "" {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("tiers[%d].name", i), Message: "is required"})
		}
		if t.UnitCost <= 0 {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("tiers[%d].unit_cost", i), Message: "must be greater than 0"})
		}
	}
	if r.MultiChain {
		if len(r.Chains) == 0 {
			details = append(details, errutil.Detail{Field: "chains", Message: "at least one chain is required when multi_chain is set"})
		}
		for _, chain := range r.Chains {
			if !IsKnownChain(chain) {
				details = append(details, errutil.Detail{Field: "chains", Message: "unknown chain " + chain})
			}
		}
	}

	return details
}

// Create validates the request and persists a Draft campaign with its tiers
// and target chains in one transaction.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Campaign, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if details := req.validate(); len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid campaign request", errutil.WithDetails(details...))
	}

	start := time.Now()
	if req.StartAt != nil {
		start = *req.StartAt
	}
	end := start.Add(time.Duration(req.DurationDays) * 24 * time.Hour)

	c := &Campaign{
		ID:              s.node.Generate().String(),
		Hashtag:         NormalizeHashtag(req.Hashtag),
		Description:     req.Description,
		CollectionName:  req.CollectionName,
		BaseURI:         req.BaseURI,
		ImageURL:        req.ImageURL,
		StartAt:         start,
		EndAt:           end,
		TotalBudget:     req.TotalBudget,
		TotalRewards:    req.TotalRewards,
		MaxSupply:       req.MaxSupply,
		MinScore:        req.MinScore,
		MaxPerAddress:   req.MaxPerAddress,
		EligibilityExpr: req.EligibilityExpr,
		MultiChain:      req.MultiChain,
		Status:          StatusDraft,
	}

	if s.seq != nil {
		code, err := s.seq.NextCampaignCode(ctx)
		if err != nil {
			return nil, err
		}
		c.Code = code
	}

	tiers := req.Tiers
	if len(tiers) == 0 {
		// simple mode: one flat tier spreading the budget across all rewards
		unit := req.TotalBudget / req.TotalRewards
		if unit < 1 {
			unit = 1
		}
		tiers = []TierSpec{{Name: "Standard", UnitCost: unit, MaxCount: req.TotalRewards}}
	}

	for i, t := range tiers {
		maxCount := t.MaxCount
		if maxCount <= 0 {
			maxCount = req.TotalRewards
		}
		c.Tiers = append(c.Tiers, RewardTier{
			ID:         s.node.Generate().String(),
			CampaignID: c.ID,
			Name:       t.Name,
			UnitCost:   t.UnitCost,
			MaxCount:   maxCount,
			Position:   i,
		})
	}

	for _, chain := range req.Chains {
		c.Chains = append(c.Chains, CampaignChain{
			ID:         s.node.Generate().String(),
			CampaignID: c.ID,
			Chain:      chain,
		})
	}

	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		zap.L().Error("failed to create campaign", zap.Error(err))
		return nil, err
	}

	return c, nil
}

// Launch performs Draft -> Active. The escrow balance must cover the declared
// budget and no other campaign may be Active on the same hashtag.
func (s *Service) Launch(ctx context.Context, campaignID string) (*Campaign, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	var launched *Campaign
	err := s.db.Transaction(func(tx *gorm.DB) error {
		campaignsTx := s.campaigns.WithTrx(tx)

		c, err := campaignsTx.FindOne(ctx, &Campaign{ID: campaignID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return errutil.NotFound("campaign not found")
		}

		if !CanTransition(c.Status, StatusActive) {
			return errutil.Conflict(fmt.Sprintf("illegal campaign transition %s -> %s", c.Status, StatusActive))
		}

		if !c.EndAt.After(time.Now()) {
			return errutil.UnprocessableEntity("campaign window already closed")
		}

		if c.MultiChain && s.flags != nil && !s.flags.IsEnabled(ctx, featureflags.FlagMultiChainIssuance) {
			return errutil.UnprocessableEntity("multi-chain issuance is not enabled")
		}

		active, err := campaignsTx.FindOne(ctx, &Campaign{Hashtag: c.Hashtag, Status: StatusActive})
		if err != nil {
			return err
		}
		if active != nil {
			return errutil.Conflict("another campaign is already active for #" + c.Hashtag)
		}

		if s.escrow != nil {
			escrowed, err := s.escrow.CheckEscrow(ctx, c.ID)
			if err != nil {
				return err
			}
			if escrowed < c.TotalBudget {
				// irrecoverable without operator action; the campaign stays Draft
				return errutil.UnprocessableEntity(
					fmt.Sprintf("escrow %d below declared budget %d", escrowed, c.TotalBudget))
			}
		}

		if err := campaignsTx.Update(ctx, c.ID, &Campaign{Status: StatusActive}); err != nil {
			return err
		}

		c.Status = StatusActive
		launched = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("campaign launched", zap.String("campaign_id", launched.ID), zap.String("hashtag", launched.Hashtag))
	return launched, nil
}

// Pause stops new event ingestion. In-flight issuance continues.
func (s *Service) Pause(ctx context.Context, campaignID string) (*Campaign, error) {
	return s.transition(ctx, campaignID, StatusPaused)
}

// Resume re-opens event ingestion within the campaign window.
func (s *Service) Resume(ctx context.Context, campaignID string) (*Campaign, error) {
	return s.transition(ctx, campaignID, StatusActive)
}

// Cancel aborts the campaign. Issued grants stand; pending grants are
// reversed, freeing their reserved budget. Attempts already in flight finish
// and reconcile afterward.
func (s *Service) Cancel(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.transition(ctx, campaignID, StatusCancelled)
	if err != nil {
		return nil, err
	}

	if s.ledger != nil {
		if err := s.ledger.ReverseOpenGrants(ctx, c.ID, "campaign cancelled"); err != nil {
			zap.L().Error("failed to reverse open grants on cancel",
				zap.String("campaign_id", c.ID), zap.Error(err))
			return nil, err
		}
	}

	return c, nil
}

func (s *Service) transition(ctx context.Context, campaignID string, to CampaignStatus) (*Campaign, error) {
	var out *Campaign
	err := s.db.Transaction(func(tx *gorm.DB) error {
		campaignsTx := s.campaigns.WithTrx(tx)

		c, err := campaignsTx.FindOne(ctx, &Campaign{ID: campaignID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return errutil.NotFound("campaign not found")
		}

		if err := c.Transition(to); err != nil {
			return err
		}

		if err := campaignsTx.Update(ctx, c.ID, &Campaign{Status: to}); err != nil {
			return err
		}

		out = c
		return nil
	})
	return out, err
}

// Get loads one campaign with tiers and chains.
func (s *Service) Get(ctx context.Context, campaignID string) (*Campaign, error) {
	var c Campaign
	err := s.db.WithContext(ctx).
		Preload("Tiers", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Preload("Chains").
		Where("id = ?", campaignID).
		First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errutil.NotFound("campaign not found")
		}
		return nil, err
	}
	return &c, nil
}

// List returns campaigns newest first.
func (s *Service) List(ctx context.Context) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.WithContext(ctx).
		Preload("Tiers").Preload("Chains").
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// DashboardRow pairs a campaign with its ledger counters for the overview page.
type DashboardRow struct {
	Campaign    *Campaign `json:"campaign"`
	Reserved    int64     `json:"reserved"`
	OpenGrants  int64     `json:"open_grants"`
	Issued      int64     `json:"issued"`
	TotalGrants int64     `json:"total_grants"`
}

// Dashboard returns the listing enriched with per-campaign grant counters.
func (s *Service) Dashboard(ctx context.Context) ([]DashboardRow, error) {
	campaigns, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]DashboardRow, 0, len(campaigns))
	for _, c := range campaigns {
		row := DashboardRow{Campaign: c}
		if s.ledger != nil {
			if row.Reserved, err = s.ledger.ReservedTotal(ctx, c.ID); err != nil {
				return nil, err
			}
			if row.OpenGrants, err = s.ledger.OpenGrantCount(ctx, c.ID); err != nil {
				return nil, err
			}
			if row.Issued, row.TotalGrants, err = s.ledger.IssuanceProgress(ctx, c.ID); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// StatusReport is what the dashboard polls. Stage and percent are derived
// from the state machine and the ledger's real issuance counters.
type StatusReport struct {
	State           CampaignStatus `json:"state"`
	Stage           string         `json:"stage"`
	PercentComplete int            `json:"percent_complete"`
}

// Status computes deployment/settlement progress for one campaign.
func (s *Service) Status(ctx context.Context, campaignID string) (*StatusReport, error) {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{State: c.Status}

	switch c.Status {
	case StatusDraft:
		report.Stage = "initializing"
		report.PercentComplete = 10
	case StatusActive, StatusPaused:
		report.Stage = "active"
		if c.Status == StatusPaused {
			report.Stage = "paused"
		}
		report.PercentComplete = 40
		if s.ledger != nil {
			issued, total, err := s.ledger.IssuanceProgress(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if total > 0 {
				report.PercentComplete = 40 + int(40*issued/total)
			}
		}
	case StatusCompleted:
		report.Stage = "settling"
		report.PercentComplete = 90
	case StatusSettled:
		report.Stage = "settled"
		report.PercentComplete = 100
	case StatusCancelled:
		report.Stage = "cancelled"
		report.PercentComplete = 100
	}

	return report, nil
}
