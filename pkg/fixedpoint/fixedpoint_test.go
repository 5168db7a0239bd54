package fixedpoint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	a := New(450_000_000)
	b := New(50_000_000)

	assert.Equal(t, int64(500_000_000), a.Add(b).Int64())
	assert.Equal(t, int64(400_000_000), a.Sub(b).Int64())
	assert.Equal(t, int64(-450_000_000), a.Neg().Int64())
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(New(450_000_000)))
	assert.True(t, Zero().IsZero())
	assert.False(t, a.IsZero())
}

func TestZeroValueUsable(t *testing.T) {
	var d Dec
	assert.True(t, d.IsZero())
	assert.Equal(t, int64(5), d.Add(New(5)).Int64())
	assert.Equal(t, "0", d.String())
}

func TestDivIntRoundsHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, int64(3), New(5).DivInt(2).Int64())
	assert.Equal(t, int64(-3), New(-5).DivInt(2).Int64())
	assert.Equal(t, int64(2), New(7).DivInt(3).Int64())
	assert.Equal(t, int64(1), New(1).DivInt(1).Int64())
}

func TestMulScaledIdentity(t *testing.T) {
	one := One()
	assert.Equal(t, 0, one.MulScaled(one, FactorScale).Cmp(one))

	// 1.5 * 2.0 at FactorScale
	a := New(1_500_000_000_000_000_000)
	b := New(2_000_000_000_000_000_000)
	assert.Equal(t, int64(3_000_000_000_000_000_000), a.MulScaled(b, FactorScale).Int64())
}

func TestRescaleSpreadToRate(t *testing.T) {
	// 5.00% at SpreadScale (4 decimals) becomes 5.00% at RateScale (8 decimals).
	spread := New(50_000)
	assert.Equal(t, int64(5_00000000), spread.Rescale(SpreadScale, RateScale).Int64())

	// And back down, losing nothing for round values.
	assert.Equal(t, int64(50_000), New(5_00000000).Rescale(RateScale, SpreadScale).Int64())
}

func TestPowFactor(t *testing.T) {
	// (1.01)^2 = 1.0201 exactly at FactorScale.
	d := New(1_010_000_000_000_000_000)
	assert.Equal(t, int64(1_020_100_000_000_000_000), d.PowFactor(2).Int64())

	assert.Equal(t, 0, d.PowFactor(0).Cmp(One()))
	assert.Equal(t, 0, d.PowFactor(1).Cmp(d))
}

func TestRootFactorInvertsPow(t *testing.T) {
	// sqrt(1.0201) = 1.01 exactly.
	sq := New(1_020_100_000_000_000_000)
	assert.Equal(t, int64(1_010_000_000_000_000_000), sq.RootFactor(2).Int64())
}

func TestRootPowRoundTrip(t *testing.T) {
	// 252nd root then 252nd power returns the original growth within a few
	// units at the 18th decimal.
	growth := New(1_120_000_000_000_000_000) // 1.12
	back := growth.RootFactor(252).PowFactor(252)
	diff := growth.Sub(back).Int64()
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, int64(300))
}

func TestRootFactorOfOne(t *testing.T) {
	assert.Equal(t, 0, One().RootFactor(252).Cmp(One()))
}

func TestFromString(t *testing.T) {
	d, err := FromString("123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", d.String())

	_, err = FromString("not-a-number")
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	d := New(5_95000000)
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var back Dec
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 0, d.Cmp(back))
}

func TestSQLRoundTrip(t *testing.T) {
	d := New(-42)
	v, err := d.Value()
	require.NoError(t, err)

	var back Dec
	require.NoError(t, back.Scan(v))
	assert.Equal(t, 0, d.Cmp(back))
}
