package utils

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCollectionDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"27/05/2019", time.Date(2019, 5, 27, 0, 0, 0, 0, time.UTC)},
		{"01-12-2020", time.Date(2020, 12, 1, 0, 0, 0, 0, time.UTC)},
		{"2021-03-04", time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"5/6/2024", time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)},
		{"05/6/2024", time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)},
		{"7-1-2023", time.Date(2023, 1, 7, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseCollectionDate(tc.in)
		require.NoError(t, err, tc.in)
		assert.True(t, tc.want.Equal(got), "%s: got %s", tc.in, got)
	}

	_, err := ParseCollectionDate("")
	assert.ErrorIs(t, err, ErrorInvalidDate)
	_, err = ParseCollectionDate("31/31/2020")
	assert.ErrorIs(t, err, ErrorInvalidDate)
}

func TestFormatTrxnDate(t *testing.T) {
	d := time.Date(2019, 5, 27, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "20190527000000", FormatTrxnDate(d))
}

func TestCleanAmount(t *testing.T) {
	got, ok := CleanAmount("£1,234.50")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("1234.50").Equal(got))

	got, ok = CleanAmount(" -12 ")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(-12).Equal(got))

	_, ok = CleanAmount("n/a")
	assert.False(t, ok)
}

func TestNewInvoiceId(t *testing.T) {
	a, b := NewInvoiceId(), NewInvoiceId()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestAddFrequency(t *testing.T) {
	d := time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), AddFrequency(d, "day", 1))
	assert.Equal(t, time.Date(2020, 2, 14, 0, 0, 0, 0, time.UTC), AddFrequency(d, "week", 2))
	assert.Equal(t, time.Date(2021, 1, 31, 0, 0, 0, 0, time.UTC), AddFrequency(d, "year", 1))
	assert.Equal(t, d, AddFrequency(d, "lifetime", 1))
}

func TestFrequencyLabel(t *testing.T) {
	assert.Equal(t, "1 Month", FrequencyLabel(1, "month"))
	assert.Equal(t, "3 Year", FrequencyLabel(3, "year"))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitAndTrim(" a, ,b ,", ","))
	assert.Nil(t, SplitAndTrim("", ","))
}
