package submission

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/storage"
)

var hundred = decimal.NewFromInt(100)

// pence converts pounds to minor units, rounding half away from zero.
func pence(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FormatForAuthority computes the liability with the configured Calculator
// and renders the authority request body in pence. It performs no I/O.
func (s *Service) FormatForAuthority(submissionType storage.SubmissionType, p *Payload, taxYear string) (*authority.ReturnPayload, error) {
	return formatForAuthority(s.calculator, submissionType, p, taxYear)
}

func formatForAuthority(calc Calculator, submissionType storage.SubmissionType, p *Payload, taxYear string) (*authority.ReturnPayload, error) {
	if _, err := ParseTaxYear(taxYear); err != nil {
		return nil, err
	}
	if !submissionType.Valid() {
		return nil, fmt.Errorf("unknown submission type %q", submissionType)
	}
	a := p.amounts(submissionType)
	if a == nil || a.TotalIncome == nil || a.TotalExpenses == nil {
		return nil, errors.New("payload has no income totals")
	}

	in := CalculationInput{
		SubmissionType: submissionType,
		TaxYear:        taxYear,
		Income:         *a.TotalIncome,
		Expenses:       *a.TotalExpenses,
	}
	if p.Adjustments != nil {
		in.Adjustments = *p.Adjustments
	}
	out, err := calc(in)
	if err != nil {
		return nil, fmt.Errorf("tax calculation failed: %w", err)
	}

	body := &authority.ReturnPayload{TaxYear: taxYear}
	if submissionType == storage.SubmissionTypeCompany {
		body.CompanyTax = &authority.CompanyTax{
			TotalProfit:       pence(out.TotalIncome),
			AllowableExpenses: pence(out.AllowableExpenses),
			TaxableProfit:     pence(out.TaxableProfit),
			CorporationTax:    pence(out.CorporationTax),
			TotalTaxDue:       pence(out.TotalTaxDue),
		}
		return body, nil
	}

	body.UKProperty = &authority.UKProperty{
		Income:   authority.PropertyIncome{RentIncome: pence(out.TotalIncome)},
		Expenses: authority.PropertyExpenses{PremisesRunningCosts: pence(out.AllowableExpenses)},
		Adjustments: authority.PropertyAdjustments{
			PropertyIncomeAllowance: pence(out.Adjustments),
		},
	}
	body.Calculation = &authority.CalculationTotals{
		TaxableProfit:     pence(out.TaxableProfit),
		IncomeTax:         pence(out.IncomeTax),
		NationalInsurance: pence(out.NationalInsurance),
		TotalTaxDue:       pence(out.TotalTaxDue),
	}
	return body, nil
}

// calculationData is what Submission.CalculationData holds: the caller's
// input and the body sent to the authority.
type calculationData struct {
	Input     *Payload                 `json:"input"`
	Formatted *authority.ReturnPayload `json:"formatted,omitempty"`
}

func encodeCalculationData(in *Payload, formatted *authority.ReturnPayload) (json.RawMessage, error) {
	return json.Marshal(calculationData{Input: in, Formatted: formatted})
}

func decodeCalculationData(raw json.RawMessage) (*calculationData, error) {
	var cd calculationData
	if len(raw) == 0 {
		return &cd, nil
	}
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, fmt.Errorf("stored calculation data is unreadable: %w", err)
	}
	return &cd, nil
}
