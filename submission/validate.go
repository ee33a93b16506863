package submission

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giantswarm/mtd-connect/storage"
)

// Validation error codes.
const (
	CodeRequiredField  = "REQUIRED_FIELD"
	CodeInvalidValue   = "INVALID_VALUE"
	CodeInvalidFormat  = "INVALID_FORMAT"
	CodeOutsideTaxYear = "OUTSIDE_TAX_YEAR"
	CodeOptimization   = "OPTIMIZATION_OPPORTUNITY"
)

// pensionWarningLimit is the income above which a missing pension
// contribution is flagged.
const pensionWarningLimit = 100000

// FieldError is one validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Warning is advice that does not block submission.
type Warning struct {
	Field      string `json:"field"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ValidationResult is the outcome of Validate. Completeness is the share of
// required fields present, 0 to 100.
type ValidationResult struct {
	Valid        bool         `json:"valid"`
	Errors       []FieldError `json:"errors,omitempty"`
	Warnings     []Warning    `json:"warnings,omitempty"`
	Completeness int          `json:"completeness"`
}

var (
	ninoPattern          = regexp.MustCompile(`^[A-Z]{2}[0-9]{6}[A-D]$`)
	companyNumberPattern = regexp.MustCompile(`^([A-Z]{2}[0-9]{6}|[0-9]{8})$`)
	utrPattern           = regexp.MustCompile(`^[0-9]{10}$`)
	unissuedNINOPrefixes = map[string]bool{"BG": true, "GB": true, "NK": true, "KN": true, "TN": true, "NT": true, "ZZ": true}
	utrWeights           = [9]int{6, 7, 8, 9, 10, 5, 4, 3, 2}
)

type validator struct {
	res      ValidationResult
	required int
	present  int
}

func (v *validator) fail(field, code, msg string) {
	v.res.Errors = append(v.res.Errors, FieldError{Field: field, Code: code, Message: msg})
}

// require counts a required field and reports whether it is present.
func (v *validator) require(field, value, label string) bool {
	v.required++
	if strings.TrimSpace(value) == "" {
		v.fail(field, CodeRequiredField, label+" is required")
		return false
	}
	v.present++
	return true
}

func (v *validator) amount(field string, d *decimal.Decimal, label string) {
	v.required++
	if d == nil || d.IsNegative() {
		v.fail(field, CodeInvalidValue, label+" must be zero or a positive amount")
		return
	}
	v.present++
}

// Validate checks p for submissionType. It never calls the authority. When
// taxYear is empty the accounting-period window is not checked.
func Validate(submissionType storage.SubmissionType, taxYear string, p *Payload) ValidationResult {
	v := &validator{}

	var year *TaxYear
	if taxYear != "" {
		y, err := ParseTaxYear(taxYear)
		if err != nil {
			v.fail("taxYear", CodeInvalidFormat, "Tax year must look like 2023-24")
		} else {
			year = &y
		}
	}

	switch submissionType {
	case storage.SubmissionTypePersonal:
		v.personal(p)
	case storage.SubmissionTypeCompany:
		v.company(p, year)
	default:
		v.fail("submissionType", CodeInvalidValue, "Submission type must be personal or company")
	}

	if v.required > 0 {
		v.res.Completeness = int(decimal.NewFromInt(int64(v.present)).
			Div(decimal.NewFromInt(int64(v.required))).
			Mul(decimal.NewFromInt(100)).
			Round(0).IntPart())
	}
	v.res.Valid = len(v.res.Errors) == 0
	return v.res
}

func (v *validator) personal(p *Payload) {
	d := &PersonalDetails{}
	if p != nil && p.PersonalDetails != nil {
		d = p.PersonalDetails
	}
	v.require("personalDetails.firstName", d.FirstName, "First name")
	v.require("personalDetails.lastName", d.LastName, "Last name")
	if v.require("personalDetails.niNumber", d.NINumber, "National Insurance number") && !ValidNINO(d.NINumber) {
		v.fail("personalDetails.niNumber", CodeInvalidFormat, "National Insurance number is not valid")
	}
	if v.require("personalDetails.utr", d.UTR, "UTR") && !ValidUTR(d.UTR) {
		v.fail("personalDetails.utr", CodeInvalidFormat, "UTR failed the check digit test")
	}
	v.require("personalDetails.address", d.Address, "Address")

	a := p.amounts(storage.SubmissionTypePersonal)
	if a == nil {
		a = &Amounts{}
	}
	v.amount("income.totalIncome", a.TotalIncome, "Total income")
	v.amount("income.totalExpenses", a.TotalExpenses, "Total expenses")

	if a.TotalIncome != nil && a.TotalIncome.GreaterThan(decimal.NewFromInt(pensionWarningLimit)) &&
		(p.Adjustments == nil || p.Adjustments.PensionContributions.IsZero()) {
		v.res.Warnings = append(v.res.Warnings, Warning{
			Field:      "adjustments.pensionContributions",
			Code:       CodeOptimization,
			Message:    "Consider pension contributions to reduce tax liability",
			Suggestion: "High earners can benefit from pension contributions",
		})
	}
}

func (v *validator) company(p *Payload, year *TaxYear) {
	d := &CompanyDetails{}
	if p != nil && p.CompanyDetails != nil {
		d = p.CompanyDetails
	}
	v.require("companyDetails.companyName", d.CompanyName, "Company name")
	if v.require("companyDetails.companyNumber", d.CompanyNumber, "Company number") && !ValidCompanyNumber(d.CompanyNumber) {
		v.fail("companyDetails.companyNumber", CodeInvalidFormat, "Company number must be 8 digits or 2 letters and 6 digits")
	}
	if v.require("companyDetails.utr", d.UTR, "UTR") && !ValidUTR(d.UTR) {
		v.fail("companyDetails.utr", CodeInvalidFormat, "UTR failed the check digit test")
	}

	v.required++
	switch ap := d.AccountingPeriod; {
	case ap == nil || ap.Start.IsZero() || ap.End.IsZero():
		v.fail("companyDetails.accountingPeriod", CodeRequiredField, "Accounting period is required")
	default:
		v.present++
		v.accountingPeriod(ap, year)
	}

	a := p.amounts(storage.SubmissionTypeCompany)
	if a == nil {
		a = &Amounts{}
	}
	v.amount("financials.totalIncome", a.TotalIncome, "Total income")
	v.amount("financials.totalExpenses", a.TotalExpenses, "Total expenses")
}

func (v *validator) accountingPeriod(ap *AccountingPeriod, year *TaxYear) {
	const field = "companyDetails.accountingPeriod"
	if !ap.End.After(ap.Start.Time) {
		v.fail(field, CodeInvalidValue, "Accounting period must end after it starts")
		return
	}
	if ap.End.Sub(ap.Start.Time) > 366*24*time.Hour {
		v.fail(field, CodeInvalidValue, "Accounting period cannot exceed 12 months")
	}
	if year == nil {
		return
	}
	end := time.Date(ap.End.Year(), ap.End.Month(), ap.End.Day(), 12, 0, 0, 0, ukLocation)
	if end.Before(year.Start()) || end.After(year.End()) {
		v.fail(field, CodeOutsideTaxYear, "Accounting period must end within tax year "+year.String())
	}
}

func normalizeID(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// ValidUTR reports whether s is a 10 digit UTR with a valid modulus-11 check
// digit in last position.
func ValidUTR(s string) bool {
	s = normalizeID(s)
	if !utrPattern.MatchString(s) {
		return false
	}
	sum := 0
	for i, w := range utrWeights {
		sum += int(s[i]-'0') * w
	}
	check := 0
	if r := sum % 11; r != 0 {
		check = 11 - r
	}
	return check == int(s[9]-'0')
}

// ValidNINO reports whether s looks like an issued National Insurance number.
func ValidNINO(s string) bool {
	s = normalizeID(s)
	return ninoPattern.MatchString(s) && !unissuedNINOPrefixes[s[:2]]
}

// ValidCompanyNumber reports whether s is a Companies House number.
func ValidCompanyNumber(s string) bool {
	return companyNumberPattern.MatchString(normalizeID(s))
}
