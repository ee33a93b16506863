// Package reconcile compares a locally computed tax liability with the
// authority's calculation. The result is advisory; nothing is corrected
// automatically.
package reconcile

import (
	"github.com/shopspring/decimal"
)

// DefaultTolerance is the largest total difference, in pounds, that is not
// reported as a discrepancy.
var DefaultTolerance = decimal.NewFromInt(1)

// Calculation is a liability in pounds.
type Calculation struct {
	TaxableIncome     decimal.Decimal
	IncomeTax         decimal.Decimal
	NationalInsurance decimal.Decimal
	TotalTaxDue       decimal.Decimal
}

// FromPence builds a Calculation from minor-unit amounts.
func FromPence(taxableIncome, incomeTax, nationalInsurance, totalTaxDue int64) Calculation {
	return Calculation{
		TaxableIncome:     decimal.New(taxableIncome, -2),
		IncomeTax:         decimal.New(incomeTax, -2),
		NationalInsurance: decimal.New(nationalInsurance, -2),
		TotalTaxDue:       decimal.New(totalTaxDue, -2),
	}
}

// Component is the difference in one line of the calculation.
type Component struct {
	Name   string
	Local  decimal.Decimal
	Remote decimal.Decimal
	Delta  decimal.Decimal
}

// Result is the outcome of a comparison. Delta is remote minus local.
type Result struct {
	HasDiscrepancy bool
	Delta          decimal.Decimal
	LocalTotal     decimal.Decimal
	RemoteTotal    decimal.Decimal
	Tolerance      decimal.Decimal

	// Components lists the lines that differ at all, for manual review.
	Components []Component
}

// Reconcile compares totals with DefaultTolerance.
func Reconcile(local, remote Calculation) Result {
	return ReconcileWithTolerance(local, remote, DefaultTolerance)
}

// ReconcileWithTolerance flags a discrepancy when the totals differ by
// strictly more than tolerance. A negative tolerance is treated as zero.
func ReconcileWithTolerance(local, remote Calculation, tolerance decimal.Decimal) Result {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	delta := remote.TotalTaxDue.Sub(local.TotalTaxDue)

	res := Result{
		HasDiscrepancy: delta.Abs().GreaterThan(tolerance),
		Delta:          delta,
		LocalTotal:     local.TotalTaxDue,
		RemoteTotal:    remote.TotalTaxDue,
		Tolerance:      tolerance,
	}

	lines := []struct {
		name          string
		local, remote decimal.Decimal
	}{
		{"taxableIncome", local.TaxableIncome, remote.TaxableIncome},
		{"incomeTax", local.IncomeTax, remote.IncomeTax},
		{"nationalInsurance", local.NationalInsurance, remote.NationalInsurance},
		{"totalTaxDue", local.TotalTaxDue, remote.TotalTaxDue},
	}
	for _, l := range lines {
		if d := l.remote.Sub(l.local); !d.IsZero() {
			res.Components = append(res.Components, Component{Name: l.name, Local: l.local, Remote: l.remote, Delta: d})
		}
	}
	return res
}
