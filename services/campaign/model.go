package campaign

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusActive    CampaignStatus = "ACTIVE"
	StatusPaused    CampaignStatus = "PAUSED"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusSettled   CampaignStatus = "SETTLED"
	StatusCancelled CampaignStatus = "CANCELLED"
)

// KnownChains is the issuance target catalog. Launch rejects chains outside it.
var KnownChains = []string{"polygon", "arbitrum", "optimism", "base", "avalanche"}

// DefaultChain is where single-chain campaigns issue.
const DefaultChain = "polygon"

func IsKnownChain(chain string) bool {
	for _, c := range KnownChains {
		if c == chain {
			return true
		}
	}
	return false
}

var hashtagRe = regexp.MustCompile(`^#?[A-Za-z0-9_]+$`)

// NormalizeHashtag lowercases and strips the leading '#'. Returns "" when the
// input is not a valid hashtag.
func NormalizeHashtag(raw string) string {
	raw = strings.TrimSpace(raw)
	if !hashtagRe.MatchString(raw) {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(raw, "#"))
}

// Campaign is the root aggregate. Budget amounts are in currency minor units.
type Campaign struct {
	ID              string          `gorm:"column:id;primaryKey"`
	Code            string          `gorm:"column:code;index"`
	Hashtag         string          `gorm:"column:hashtag;index;not null"`
	Description     string          `gorm:"column:description;type:text"`
	CollectionName  string          `gorm:"column:collection_name"`
	BaseURI         string          `gorm:"column:base_uri"`
	ImageURL        string          `gorm:"column:image_url"`
	StartAt         time.Time       `gorm:"column:start_at"`
	EndAt           time.Time       `gorm:"column:end_at"`
	TotalBudget     int64           `gorm:"column:total_budget;not null"`
	TotalRewards    int64           `gorm:"column:total_rewards;not null"`
	MaxSupply       int64           `gorm:"column:max_supply"`
	MinScore        float64         `gorm:"column:min_score"`
	MaxPerAddress   int             `gorm:"column:max_per_address"`
	EligibilityExpr string          `gorm:"column:eligibility_expr"`
	MultiChain      bool            `gorm:"column:multi_chain"`
	Status          CampaignStatus  `gorm:"column:status;type:varchar(20);not null;default:'DRAFT'"`
	Metadata        datatypes.JSON  `gorm:"column:metadata"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
	Tiers           []RewardTier    `gorm:"foreignKey:CampaignID"`
	Chains          []CampaignChain `gorm:"foreignKey:CampaignID"`
}

// RewardTier is one rung of the campaign's reward ladder. Position preserves
// the creator's ordering; UnitCost is in minor units.
type RewardTier struct {
	ID         string `gorm:"column:id;primaryKey"`
	CampaignID string `gorm:"column:campaign_id;index;not null"`
	Name       string `gorm:"column:name;not null"`
	UnitCost   int64  `gorm:"column:unit_cost;not null"`
	MaxCount   int64  `gorm:"column:max_count;not null"`
	Position   int    `gorm:"column:position;not null"`
}

type CampaignChain struct {
	ID         string `gorm:"column:id;primaryKey"`
	CampaignID string `gorm:"column:campaign_id;index;not null"`
	Chain      string `gorm:"column:chain;not null"`
}

// TargetChains returns the issuance targets for this campaign. Campaigns
// created without an explicit chain list issue on the default chain.
func (c *Campaign) TargetChains() []string {
	if len(c.Chains) == 0 {
		return []string{DefaultChain}
	}
	chains := make([]string, 0, len(c.Chains))
	for _, tc := range c.Chains {
		chains = append(chains, tc.Chain)
	}
	return chains
}

// WithinWindow reports whether now falls inside [start, end].
func (c *Campaign) WithinWindow(now time.Time) bool {
	return !now.Before(c.StartAt) && !now.After(c.EndAt)
}

// AcceptingEvents reports whether new participation events may be ingested.
// Paused campaigns stop ingestion; in-flight issuance is unaffected.
func (c *Campaign) AcceptingEvents(now time.Time) bool {
	return c.Status == StatusActive && c.WithinWindow(now)
}

// InSettlementGrace reports whether the campaign, though Completed, is still
// inside the grace window where already-scored events may be granted.
func (c *Campaign) InSettlementGrace(now time.Time, grace time.Duration) bool {
	return c.Status == StatusCompleted && now.Before(c.EndAt.Add(grace))
}
