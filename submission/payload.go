package submission

import (
	"github.com/shopspring/decimal"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/storage"
)

// Payload is the caller's return data. Amounts are in pounds. Personal
// returns use PersonalDetails and Income; company returns use
// CompanyDetails and Financials.
type Payload struct {
	PersonalDetails *PersonalDetails `json:"personalDetails,omitempty"`
	CompanyDetails  *CompanyDetails  `json:"companyDetails,omitempty"`
	Income          *Amounts         `json:"income,omitempty"`
	Financials      *Amounts         `json:"financials,omitempty"`
	Adjustments     *Adjustments     `json:"adjustments,omitempty"`
}

type PersonalDetails struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	NINumber  string `json:"niNumber"`
	UTR       string `json:"utr"`
	Address   string `json:"address"`
}

type CompanyDetails struct {
	CompanyName      string            `json:"companyName"`
	CompanyNumber    string            `json:"companyNumber"`
	UTR              string            `json:"utr"`
	AccountingPeriod *AccountingPeriod `json:"accountingPeriod,omitempty"`
}

type AccountingPeriod struct {
	Start authority.Date `json:"start"`
	End   authority.Date `json:"end"`
}

// Amounts holds the totals. Nil means the caller did not provide the value.
type Amounts struct {
	TotalIncome   *decimal.Decimal `json:"totalIncome,omitempty"`
	TotalExpenses *decimal.Decimal `json:"totalExpenses,omitempty"`
}

type Adjustments struct {
	PensionContributions    decimal.Decimal `json:"pensionContributions"`
	PropertyIncomeAllowance decimal.Decimal `json:"propertyIncomeAllowance"`
	CapitalAllowances       decimal.Decimal `json:"capitalAllowances"`
	PriorYearLosses         decimal.Decimal `json:"priorYearLosses"`
}

// amounts returns the section that carries totals for t.
func (p *Payload) amounts(t storage.SubmissionType) *Amounts {
	if p == nil {
		return nil
	}
	if t == storage.SubmissionTypeCompany {
		return p.Financials
	}
	return p.Income
}

// CalculationInput is handed to the Calculator.
type CalculationInput struct {
	SubmissionType storage.SubmissionType
	TaxYear        string
	Income         decimal.Decimal
	Expenses       decimal.Decimal
	Adjustments    Adjustments
}

// CalculationOutput is the liability computed from a CalculationInput, in
// pounds. CorporationTax is only set for company returns; IncomeTax and
// NationalInsurance only for personal ones.
type CalculationOutput struct {
	TotalIncome       decimal.Decimal
	AllowableExpenses decimal.Decimal
	Adjustments       decimal.Decimal
	TaxableProfit     decimal.Decimal
	IncomeTax         decimal.Decimal
	NationalInsurance decimal.Decimal
	CorporationTax    decimal.Decimal
	TotalTaxDue       decimal.Decimal
}

// Calculator computes a liability. It must be pure.
type Calculator func(CalculationInput) (CalculationOutput, error)
