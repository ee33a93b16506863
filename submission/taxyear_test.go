package submission

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mtd-connect/storage"
)

func TestParseTaxYear(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"2023-24", 2023, false},
		{"2099-00", 2099, false},
		{"2023-25", 0, true},
		{"2023/24", 0, true},
		{"23-24", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTaxYear(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTaxYear(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidTaxYear) {
				t.Errorf("ParseTaxYear(%q) error = %v, want ErrInvalidTaxYear", tt.in, err)
			}
			continue
		}
		if got.StartYear != tt.want {
			t.Errorf("ParseTaxYear(%q) = %d, want %d", tt.in, got.StartYear, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestAmendmentDeadline(t *testing.T) {
	deadline, err := AmendmentDeadline("2022-23")
	require.NoError(t, err)

	lastDay := time.Date(2024, 1, 31, 23, 59, 59, 0, ukLocation)
	nextDay := time.Date(2024, 2, 1, 0, 0, 0, 0, ukLocation)
	assert.False(t, lastDay.After(deadline), "31 January is inside the window")
	assert.True(t, nextDay.After(deadline), "1 February is outside the window")

	_, err = AmendmentDeadline("bad")
	assert.ErrorIs(t, err, ErrInvalidTaxYear)
}

func TestTaxYearBounds(t *testing.T) {
	y := TaxYear{StartYear: 2023}
	assert.Equal(t, "2023-04-06", y.Start().Format("2006-01-02"))
	assert.Equal(t, "2024-04-05", y.End().Format("2006-01-02"))
	assert.Equal(t, "2024-01-31", y.FilingDueDate(storage.SubmissionTypePersonal).Format("2006-01-02"))
	assert.Equal(t, "2024-03-31", y.FilingDueDate(storage.SubmissionTypeCompany).Format("2006-01-02"))
}

func TestPence(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1234.56", 123456},
		{"0.005", 1},
		{"10", 1000},
		{"-2.345", -235},
	}
	for _, tt := range tests {
		if got := pence(decimal.RequireFromString(tt.in)); got != tt.want {
			t.Errorf("pence(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatForAuthority_Company(t *testing.T) {
	body, err := formatForAuthority(flatCalculator, storage.SubmissionTypeCompany, companyPayload(), "2023-24")
	require.NoError(t, err)

	assert.Nil(t, body.UKProperty)
	assert.Nil(t, body.Calculation)
	require.NotNil(t, body.CompanyTax)
	assert.Equal(t, int64(25000000), body.CompanyTax.TotalProfit)
	assert.Equal(t, int64(15000000), body.CompanyTax.TaxableProfit)
	assert.Equal(t, int64(3000000), body.CompanyTax.CorporationTax)
}

func TestFormatForAuthority_RequiresTotals(t *testing.T) {
	p := personalPayload()
	p.Income = nil
	_, err := formatForAuthority(flatCalculator, storage.SubmissionTypePersonal, p, "2023-24")
	assert.Error(t, err)

	_, err = formatForAuthority(flatCalculator, storage.SubmissionTypePersonal, personalPayload(), "2023")
	assert.Error(t, err)
}
