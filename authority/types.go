package authority

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Caller identifies who a call is made for.
type Caller struct {
	UserID      string
	AccessToken string

	// ClientIP is the end user's address, sent as a fraud header when set.
	ClientIP string
}

// Obligation statuses.
const (
	ObligationOpen      = "Open"
	ObligationFulfilled = "Fulfilled"
)

// Obligation is one filing period the user must report.
type Obligation struct {
	PeriodKey string `json:"periodKey"`
	Start     Date   `json:"start"`
	End       Date   `json:"end"`
	Due       Date   `json:"due"`
	Status    string `json:"status"`
	Received  *Date  `json:"received,omitempty"`
}

// ObligationsResponse is GET /obligations.
type ObligationsResponse struct {
	Obligations []Obligation `json:"obligations"`
}

// CalculationSummary is one entry of GET /calculations.
type CalculationSummary struct {
	CalculationID    string          `json:"calculationId"`
	TaxYear          string          `json:"taxYear"`
	Type             string          `json:"calculationType"`
	Timestamp        time.Time       `json:"calculationTimestamp"`
	TotalTaxDue      decimal.Decimal `json:"totalIncomeTaxAndNicsDue"`
	FinalDeclaration bool            `json:"finalDeclaration,omitempty"`
}

// CalculationsResponse is GET /calculations.
type CalculationsResponse struct {
	Calculations []CalculationSummary `json:"calculations"`
}

// Calculation is GET /calculations/{id}. Amounts are in pounds.
type Calculation struct {
	CalculationID       string          `json:"calculationId"`
	TaxYear             string          `json:"taxYear"`
	Timestamp           time.Time       `json:"calculationTimestamp"`
	TotalIncomeReceived decimal.Decimal `json:"totalIncomeReceived"`
	TotalTaxableIncome  decimal.Decimal `json:"totalTaxableIncome"`
	IncomeTax           decimal.Decimal `json:"incomeTaxDue"`
	NationalInsurance   decimal.Decimal `json:"nicsDue"`
	TotalTaxDue         decimal.Decimal `json:"totalIncomeTaxAndNicsDue"`
	Messages            []FieldError    `json:"messages,omitempty"`
}

// TriggerCalculationResponse is POST /calculations.
type TriggerCalculationResponse struct {
	CalculationID string `json:"calculationId"`
}

// Return statuses reported by the authority.
const (
	ReturnSubmitted = "submitted"
	ReturnAccepted  = "accepted"
	ReturnRejected  = "rejected"
)

// ReturnRecord is a filed return as the authority sees it.
type ReturnRecord struct {
	Reference      string     `json:"reference"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	TaxYear        string     `json:"taxYear"`
	Status         string     `json:"status"`
	SubmittedAt    time.Time  `json:"submittedAt"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
	IsAmendment    bool       `json:"isAmendment,omitempty"`
	Rejection      *ErrorBody `json:"rejection,omitempty"`
}

// ReturnsResponse is GET /self-assessment.
type ReturnsResponse struct {
	Returns []ReturnRecord `json:"returns"`
}

// SubmitResponse acknowledges POST /self-assessment and its amend variant.
type SubmitResponse struct {
	Reference      string          `json:"reference"`
	ProcessingDate time.Time       `json:"processingDate"`
	Receipt        json.RawMessage `json:"receipt,omitempty"`

	// Raw is the full response body, stored as the receipt payload.
	Raw json.RawMessage `json:"-"`
}

// ReturnPayload is a formatted return. All amounts are in pence.
type ReturnPayload struct {
	TaxYear     string             `json:"taxYear"`
	UKProperty  *UKProperty        `json:"ukProperty,omitempty"`
	CompanyTax  *CompanyTax        `json:"companyTax,omitempty"`
	Calculation *CalculationTotals `json:"calculation,omitempty"`
}

// AmendmentPayload is the body of POST /self-assessment/{reference}/amend.
type AmendmentPayload struct {
	ReturnPayload
	AmendmentReason string `json:"amendmentReason"`
}

// UKProperty is the personal property income section.
type UKProperty struct {
	Income      PropertyIncome      `json:"income"`
	Expenses    PropertyExpenses    `json:"expenses"`
	Adjustments PropertyAdjustments `json:"adjustments"`
}

type PropertyIncome struct {
	RentIncome           int64 `json:"rentIncome"`
	PremiumsOfLeaseGrant int64 `json:"premiumsOfLeaseGrant"`
	OtherPropertyIncome  int64 `json:"otherPropertyIncome"`
}

type PropertyExpenses struct {
	PremisesRunningCosts  int64 `json:"premisesRunningCosts"`
	RepairsAndMaintenance int64 `json:"repairsAndMaintenance"`
	FinancialCosts        int64 `json:"financialCosts"`
	ProfessionalFees      int64 `json:"professionalFees"`
	CostOfServices        int64 `json:"costOfServices"`
	Other                 int64 `json:"other"`
}

type PropertyAdjustments struct {
	PrivateUseAdjustment               int64 `json:"privateUseAdjustment"`
	BalancingCharge                    int64 `json:"balancingCharge"`
	PropertyIncomeAllowance            int64 `json:"propertyIncomeAllowance"`
	RenovationAllowanceBalancingCharge int64 `json:"renovationAllowanceBalancingCharge"`
	ResidentialFinanceCost             int64 `json:"residentialFinanceCost"`
	UnusedResidentialFinanceCost       int64 `json:"unusedResidentialFinanceCost"`
}

// CompanyTax is the company return section.
type CompanyTax struct {
	TotalProfit       int64 `json:"totalProfit"`
	AllowableExpenses int64 `json:"allowableExpenses"`
	TaxableProfit     int64 `json:"taxableProfit"`
	CorporationTax    int64 `json:"corporationTax"`
	TotalTaxDue       int64 `json:"totalTaxDue"`
}

// CalculationTotals carries the locally computed liability.
type CalculationTotals struct {
	TaxableProfit     int64 `json:"taxableProfit"`
	IncomeTax         int64 `json:"incomeTax"`
	NationalInsurance int64 `json:"nationalInsurance"`
	TotalTaxDue       int64 `json:"totalTaxDue"`
}

// TotalTaxDuePence returns the liability carried by p in pence.
func (p *ReturnPayload) TotalTaxDuePence() int64 {
	switch {
	case p == nil:
		return 0
	case p.CompanyTax != nil:
		return p.CompanyTax.TotalTaxDue
	case p.Calculation != nil:
		return p.Calculation.TotalTaxDue
	}
	return 0
}

// Date is a calendar date encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate returns a UTC date.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}
