package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPricingSchedule signals a schedule whose tier table cannot be used.
var ErrInvalidPricingSchedule = errors.New("pricing: invalid schedule")

// PricingTier is a value band on the declared item value axis. Bands are closed
// on the lower bound and open on the upper bound; a nil MaxValue marks the final
// unbounded tier.
type PricingTier struct {
	Label           string
	MinValue        int64
	MaxValue        *int64
	BaseCompanyFee  int64
	DriverSizeBonus int64
}

// Contains reports whether itemValue falls inside the tier's [MinValue, MaxValue) band.
func (t PricingTier) Contains(itemValue int64) bool {
	if itemValue < t.MinValue {
		return false
	}
	return t.MaxValue == nil || itemValue < *t.MaxValue
}

// PricingSchedule is the versioned pricing configuration shared by the fare
// calculator and the settlement flow. It is passed in explicitly so pricing
// changes stay auditable and testable in isolation.
type PricingSchedule struct {
	Version             string
	Currency            string
	PerMileCents        int64
	PerMinuteCents      int64
	RushSurchargeCents  int64
	GiftCardDeliveryFee int64
	// MultiItemFactor is the per-additional-item weight in (0, 1]; the size bonus
	// and company fee scale by 1 + factor*(n-1) so extra items cost less per unit
	// than the first.
	MultiItemFactor float64
	Tiers           []PricingTier
}

// Validate checks that the tier table partitions [0, inf) with no gaps or
// overlaps and that all rates are usable.
func (s PricingSchedule) Validate() error {
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidPricingSchedule)
	}
	if strings.TrimSpace(s.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidPricingSchedule)
	}
	if s.PerMileCents < 0 || s.PerMinuteCents < 0 || s.RushSurchargeCents < 0 || s.GiftCardDeliveryFee < 0 {
		return fmt.Errorf("%w: rates cannot be negative", ErrInvalidPricingSchedule)
	}
	if s.MultiItemFactor <= 0 || s.MultiItemFactor > 1 {
		return fmt.Errorf("%w: multi-item factor must be in (0, 1]", ErrInvalidPricingSchedule)
	}
	if len(s.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidPricingSchedule)
	}

	tiers := append([]PricingTier(nil), s.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinValue < tiers[j].MinValue })

	if tiers[0].MinValue != 0 {
		return fmt.Errorf("%w: first tier must start at 0", ErrInvalidPricingSchedule)
	}
	for i, tier := range tiers {
		if strings.TrimSpace(tier.Label) == "" {
			return fmt.Errorf("%w: tier %d is missing a label", ErrInvalidPricingSchedule, i)
		}
		if tier.BaseCompanyFee < 0 || tier.DriverSizeBonus < 0 {
			return fmt.Errorf("%w: tier %q has negative amounts", ErrInvalidPricingSchedule, tier.Label)
		}
		last := i == len(tiers)-1
		if last {
			if tier.MaxValue != nil {
				return fmt.Errorf("%w: final tier %q must be unbounded", ErrInvalidPricingSchedule, tier.Label)
			}
			continue
		}
		if tier.MaxValue == nil {
			return fmt.Errorf("%w: tier %q is unbounded but not last", ErrInvalidPricingSchedule, tier.Label)
		}
		if *tier.MaxValue <= tier.MinValue {
			return fmt.Errorf("%w: tier %q has an empty band", ErrInvalidPricingSchedule, tier.Label)
		}
		if next := tiers[i+1]; next.MinValue != *tier.MaxValue {
			return fmt.Errorf("%w: gap or overlap between %q and %q", ErrInvalidPricingSchedule, tier.Label, next.Label)
		}
	}
	return nil
}

// TierFor classifies a non-negative item value into exactly one tier. The
// boolean is false only for negative input; zero maps to the lowest tier and
// arbitrarily large values map to the unbounded top tier.
func (s PricingSchedule) TierFor(itemValue int64) (PricingTier, bool) {
	if itemValue < 0 {
		return PricingTier{}, false
	}
	for _, tier := range s.Tiers {
		if tier.Contains(itemValue) {
			return tier, true
		}
	}
	return PricingTier{}, false
}

// FareBreakdown itemises a quoted fare: the driver earning components, the
// company's retained margin, and the customer total. Recomputed on demand and
// snapshotted onto the order at booking time. Tip is a 100% pass-through to the
// driver and is excluded from TotalPrice.
type FareBreakdown struct {
	DriverDistancePay int64
	DriverTimePay     int64
	DriverSizeBonus   int64
	DriverRushBonus   int64
	Tip               int64
	DriverTotal       int64
	CompanyRevenue    int64
	TotalPrice        int64
	TierLabel         string
	ScheduleVersion   string
	Currency          string
}

// DefaultPricingSchedule returns the launch pricing policy. The concrete rates
// are configuration, not law: deployments override them via config.
func DefaultPricingSchedule() PricingSchedule {
	cents := func(v int64) *int64 { return &v }
	return PricingSchedule{
		Version:             "2025-07",
		Currency:            "USD",
		PerMileCents:        200,
		PerMinuteCents:      35,
		RushSurchargeCents:  700,
		GiftCardDeliveryFee: 999,
		MultiItemFactor:     0.6,
		Tiers: []PricingTier{
			{Label: "Standard", MinValue: 0, MaxValue: cents(5_000), BaseCompanyFee: 399, DriverSizeBonus: 100},
			{Label: "Express", MinValue: 5_000, MaxValue: cents(10_000), BaseCompanyFee: 599, DriverSizeBonus: 200},
			{Label: "Basic+", MinValue: 10_000, MaxValue: cents(50_000), BaseCompanyFee: 899, DriverSizeBonus: 400},
			{Label: "Value", MinValue: 50_000, MaxValue: cents(100_000), BaseCompanyFee: 1_299, DriverSizeBonus: 700},
			{Label: "Enhanced", MinValue: 100_000, MaxValue: cents(500_000), BaseCompanyFee: 1_999, DriverSizeBonus: 1_200},
			{Label: "Premium", MinValue: 500_000, MaxValue: cents(1_000_000), BaseCompanyFee: 2_999, DriverSizeBonus: 2_000},
			{Label: "Ultra Premium", MinValue: 1_000_000, MaxValue: nil, BaseCompanyFee: 4_999, DriverSizeBonus: 3_500},
		},
	}
}
