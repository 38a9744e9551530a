package loan

import (
	"fmt"

	fpmath "FortyAcres/internal/math"
)

// Params are the owner-settable economics of a market. Rates are bps.
type Params struct {
	// Multiplier converts voting weight into principal units, scaled by 1e18.
	Multiplier     uint64 `toml:"multiplier" json:"multiplier"`
	RewardsRate    uint64 `toml:"rewards_rate" json:"rewards_rate"`
	LenderPremium  uint64 `toml:"lender_premium" json:"lender_premium"`
	ProtocolFee    uint64 `toml:"protocol_fee" json:"protocol_fee"`
	ZeroBalanceFee uint64 `toml:"zero_balance_fee" json:"zero_balance_fee"`
	FlashFee       uint64 `toml:"flash_fee" json:"flash_fee"`
	MaxUtilization uint64 `toml:"max_utilization" json:"max_utilization"`
	MinLoan        uint64 `toml:"min_loan" json:"min_loan"`
	VoteCooldown   uint64 `toml:"vote_cooldown" json:"vote_cooldown"`
	UpgradeDelay   uint64 `toml:"upgrade_delay" json:"upgrade_delay"`
}

// DefaultParams matches a 6-decimal stablecoin market.
func DefaultParams() Params {
	return Params{
		RewardsRate:    fpmath.BasisPoints,
		LenderPremium:  80,
		ProtocolFee:    500,
		ZeroBalanceFee: 100,
		FlashFee:       9,
		MaxUtilization: 8000,
		MinLoan:        10_000,
		VoteCooldown:   7 * 86400,
		UpgradeDelay:   86400,
	}
}

func (p Params) Validate() error {
	rates := []struct {
		name string
		v    uint64
	}{
		{"rewards_rate", p.RewardsRate},
		{"lender_premium", p.LenderPremium},
		{"protocol_fee", p.ProtocolFee},
		{"zero_balance_fee", p.ZeroBalanceFee},
		{"flash_fee", p.FlashFee},
		{"max_utilization", p.MaxUtilization},
	}
	for _, r := range rates {
		if r.v > fpmath.BasisPoints {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPercentage, r.name, r.v)
		}
	}
	return nil
}
