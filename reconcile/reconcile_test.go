package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func total(s string) Calculation {
	return Calculation{TotalTaxDue: decimal.RequireFromString(s)}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name          string
		local, remote string
		want          bool
		wantDelta     string
	}{
		{"over tolerance", "100.00", "101.50", true, "1.5"},
		{"inside tolerance", "100.00", "100.90", false, "0.9"},
		{"exactly one pound", "100.00", "101.00", false, "1"},
		{"one penny over", "100.00", "101.01", true, "1.01"},
		{"remote lower", "250.00", "240.00", true, "-10"},
		{"equal", "0", "0", false, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(total(tt.local), total(tt.remote))
			if got.HasDiscrepancy != tt.want {
				t.Errorf("HasDiscrepancy = %v, want %v", got.HasDiscrepancy, tt.want)
			}
			if !got.Delta.Equal(decimal.RequireFromString(tt.wantDelta)) {
				t.Errorf("Delta = %s, want %s", got.Delta, tt.wantDelta)
			}
		})
	}
}

func TestReconcile_DoesNotMutateInputs(t *testing.T) {
	local := total("100.00")
	remote := total("150.00")
	before := local.TotalTaxDue.String() + "/" + remote.TotalTaxDue.String()

	_ = Reconcile(local, remote)

	assert.Equal(t, before, local.TotalTaxDue.String()+"/"+remote.TotalTaxDue.String())
}

func TestReconcile_Components(t *testing.T) {
	local := FromPence(5_000_000, 800_000, 200_000, 1_000_000)
	remote := FromPence(5_000_000, 850_000, 200_000, 1_050_000)

	got := Reconcile(local, remote)
	require.Len(t, got.Components, 2)
	assert.Equal(t, "incomeTax", got.Components[0].Name)
	assert.True(t, got.Components[0].Delta.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "totalTaxDue", got.Components[1].Name)
	assert.True(t, got.HasDiscrepancy)
}

func TestFromPence(t *testing.T) {
	c := FromPence(0, 0, 0, 10150)
	assert.True(t, c.TotalTaxDue.Equal(decimal.RequireFromString("101.50")))
}

func TestReconcileWithTolerance_NegativeIsZero(t *testing.T) {
	got := ReconcileWithTolerance(total("1.00"), total("1.01"), decimal.NewFromInt(-5))
	assert.True(t, got.HasDiscrepancy)
	assert.True(t, got.Tolerance.IsZero())
}
