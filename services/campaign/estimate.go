package campaign

import "rewardplane/pkg/config"

// PricingPolicy is the campaign cost model. The rates come from configuration;
// they are a business policy under review, not fixed constants.
type PricingPolicy struct {
	RewardUnitCost    float64
	MonitoringDayCost float64
	MultiChainPremium float64
}

func PolicyFromConfig(cfg *config.Config) PricingPolicy {
	return PricingPolicy{
		RewardUnitCost:    cfg.Pricing.RewardUnitCost,
		MonitoringDayCost: cfg.Pricing.MonitoringDayCost,
		MultiChainPremium: cfg.Pricing.MultiChainPremium,
	}
}

type CostBreakdown struct {
	BaseCost       float64 `json:"base_cost"`
	Premium        float64 `json:"premium"`
	MonitoringCost float64 `json:"monitoring_cost"`
	Total          float64 `json:"total"`
}

// Estimate computes the campaign cost breakdown. Pure function of its inputs.
func (p PricingPolicy) Estimate(totalRewards int64, durationDays int, multiChain bool) CostBreakdown {
	base := float64(totalRewards) * p.RewardUnitCost

	var premium float64
	if multiChain {
		premium = base * p.MultiChainPremium
	}

	monitoring := float64(durationDays) * p.MonitoringDayCost

	return CostBreakdown{
		BaseCost:       base,
		Premium:        premium,
		MonitoringCost: monitoring,
		Total:          base + premium + monitoring,
	}
}
