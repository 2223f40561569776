package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYuanToFen(t *testing.T) {
	cases := map[string]int64{
		"12.34": 1234,
		"0.01":  1,
		"35":    3500,
		"-1.5":  -150,
		"0.10":  10,
	}
	for in, want := range cases {
		got, err := YuanToFen(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := YuanToFen("1.234")
	assert.Error(t, err)
	_, err = YuanToFen("abc")
	assert.Error(t, err)
}

func TestToFenFromFloat(t *testing.T) {
	fen, err := ToFen(decimal.NewFromFloat(10.5))
	require.NoError(t, err)
	assert.Equal(t, int64(1050), fen)
}

func TestFenToYuan(t *testing.T) {
	assert.Equal(t, "12.34", FenToYuan(1234))
	assert.Equal(t, "0.05", FenToYuan(5))
	assert.Equal(t, "-3.50", FenToYuan(-350))
	assert.Equal(t, "0.00", FenToYuan(0))
}
