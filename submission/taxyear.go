package submission

import (
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata" // Europe/London must resolve on minimal images

	"github.com/giantswarm/mtd-connect/storage"
)

var ukLocation = mustLoadLocation("Europe/London")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load %s: %v", name, err))
	}
	return loc
}

// TaxYear is a UK tax year, 6 April of StartYear to 5 April of the next.
type TaxYear struct {
	StartYear int
}

// ParseTaxYear parses "YYYY-YY" where the second part is the following year.
func ParseTaxYear(s string) (TaxYear, error) {
	if len(s) != 7 || s[4] != '-' || s[:2] != "20" {
		return TaxYear{}, fmt.Errorf("%w: %q, want YYYY-YY", ErrInvalidTaxYear, s)
	}
	start, err := strconv.Atoi(s[:4])
	if err != nil {
		return TaxYear{}, fmt.Errorf("%w: %q", ErrInvalidTaxYear, s)
	}
	end, err := strconv.Atoi(s[5:])
	if err != nil || end != (start+1)%100 {
		return TaxYear{}, fmt.Errorf("%w: %q is not two consecutive years", ErrInvalidTaxYear, s)
	}
	return TaxYear{StartYear: start}, nil
}

func (y TaxYear) String() string {
	return fmt.Sprintf("%04d-%02d", y.StartYear, (y.StartYear+1)%100)
}

// Start is the first instant of the tax year in UK time.
func (y TaxYear) Start() time.Time {
	return time.Date(y.StartYear, time.April, 6, 0, 0, 0, 0, ukLocation)
}

// End is the last instant of the tax year in UK time.
func (y TaxYear) End() time.Time {
	return time.Date(y.StartYear+1, time.April, 6, 0, 0, 0, 0, ukLocation).Add(-time.Nanosecond)
}

// FilingDueDate is the return due date used for locally derived obligations:
// 31 January after the year for personal returns, 31 March for company ones.
func (y TaxYear) FilingDueDate(t storage.SubmissionType) time.Time {
	if t == storage.SubmissionTypeCompany {
		return time.Date(y.StartYear+1, time.March, 31, 0, 0, 0, 0, ukLocation)
	}
	return time.Date(y.StartYear+1, time.January, 31, 0, 0, 0, 0, ukLocation)
}

// AmendmentDeadline is the end of 31 January two calendar years after the
// tax year's start year, UK time. 2022-23 closes at the end of 2024-01-31.
func AmendmentDeadline(taxYear string) (time.Time, error) {
	y, err := ParseTaxYear(taxYear)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(y.StartYear+2, time.February, 1, 0, 0, 0, 0, ukLocation).Add(-time.Nanosecond), nil
}
