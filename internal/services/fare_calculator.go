package services

import (
	"errors"
	"fmt"
	"math"

	domain "github.com/returnloop/api/internal/domain"
)

// ErrFareInvalidInput signals a caller contract violation such as a negative
// distance or a zero item count. Negative inputs are rejected, never clamped.
var ErrFareInvalidInput = errors.New("fare: invalid input")

// FareInput carries the order facts needed to quote a return. Monetary values
// are minor units (cents).
type FareInput struct {
	ItemValue        int64
	NumberOfItems    int
	DistanceMiles    float64
	EstimatedMinutes int
	Rush             bool
	Tip              int64
}

// FareCalculator converts order facts into an itemised fare using a validated
// pricing schedule. It is pure and side-effect free: safe to call concurrently
// and repeatedly, e.g. while a booking form is being edited.
type FareCalculator struct {
	schedule domain.PricingSchedule
}

// NewFareCalculator validates the schedule once up front so Quote never has to.
func NewFareCalculator(schedule domain.PricingSchedule) (*FareCalculator, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return &FareCalculator{schedule: schedule}, nil
}

// Schedule exposes the active pricing schedule, e.g. for the settlement flow's
// server-assigned gift-card delivery fee.
func (c *FareCalculator) Schedule() domain.PricingSchedule {
	return c.schedule
}

// Quote computes the customer total and its three-way split: driver earning
// components, company revenue, and the tip passed through untouched.
//
// TotalPrice = driver earning (excluding tip) + company revenue, and is
// monotonically non-decreasing in item value, distance, minutes, and item count.
func (c *FareCalculator) Quote(in FareInput) (domain.FareBreakdown, error) {
	if in.ItemValue < 0 {
		return domain.FareBreakdown{}, fmt.Errorf("%w: item value cannot be negative", ErrFareInvalidInput)
	}
	if in.NumberOfItems < 1 {
		return domain.FareBreakdown{}, fmt.Errorf("%w: number of items must be at least 1", ErrFareInvalidInput)
	}
	if in.DistanceMiles < 0 || math.IsNaN(in.DistanceMiles) || math.IsInf(in.DistanceMiles, 0) {
		return domain.FareBreakdown{}, fmt.Errorf("%w: distance must be a non-negative finite number", ErrFareInvalidInput)
	}
	if in.EstimatedMinutes < 0 {
		return domain.FareBreakdown{}, fmt.Errorf("%w: estimated minutes cannot be negative", ErrFareInvalidInput)
	}
	if in.Tip < 0 {
		return domain.FareBreakdown{}, fmt.Errorf("%w: tip cannot be negative", ErrFareInvalidInput)
	}

	tier, ok := c.schedule.TierFor(in.ItemValue)
	if !ok {
		// Unreachable with a validated schedule; kept as a guard.
		return domain.FareBreakdown{}, fmt.Errorf("%w: no tier for item value %d", ErrFareInvalidInput, in.ItemValue)
	}

	distancePay := roundCents(in.DistanceMiles * float64(c.schedule.PerMileCents))
	timePay := int64(in.EstimatedMinutes) * c.schedule.PerMinuteCents

	// Additional items scale the handling components sub-linearly: the first item
	// carries full weight, each further item carries MultiItemFactor of it.
	scale := 1 + c.schedule.MultiItemFactor*float64(in.NumberOfItems-1)
	sizeBonus := roundCents(float64(tier.DriverSizeBonus) * scale)
	companyRevenue := roundCents(float64(tier.BaseCompanyFee) * scale)

	var rushBonus int64
	if in.Rush {
		// Rush is a service-speed premium paid entirely to the driver; the
		// company's base fee is unchanged.
		rushBonus = c.schedule.RushSurchargeCents
	}

	driverTotal := distancePay + timePay + sizeBonus + rushBonus + in.Tip

	return domain.FareBreakdown{
		DriverDistancePay: distancePay,
		DriverTimePay:     timePay,
		DriverSizeBonus:   sizeBonus,
		DriverRushBonus:   rushBonus,
		Tip:               in.Tip,
		DriverTotal:       driverTotal,
		CompanyRevenue:    companyRevenue,
		TotalPrice:        driverTotal - in.Tip + companyRevenue,
		TierLabel:         tier.Label,
		ScheduleVersion:   c.schedule.Version,
		Currency:          c.schedule.Currency,
	}, nil
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}
