package schedule

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	f := Decode(" o* d* w1,5 h9 m30,0 s0 ")

	assert.Equal(t, fullRange(1, 12), f.Months)
	assert.Equal(t, fullRange(1, 31), f.Days)
	assert.Equal(t, []int{1, 5}, f.Weekdays)
	assert.Equal(t, []int{9}, f.Hours)
	assert.Equal(t, []int{0, 30}, f.Minutes)
	assert.Equal(t, []int{0}, f.Seconds)
}

func TestDecode_DeduplicatesValues(t *testing.T) {
	f := Decode("m5,5,1s0")
	assert.Equal(t, []int{1, 5}, f.Minutes)
}

func TestDecode_MalformedFieldFallsBackToFullRange(t *testing.T) {
	tests := []struct {
		name string
		enc  string
	}{
		{name: "out of range", enc: "o*d*w*h25m0s0"},
		{name: "empty list entry", enc: "o*d*w*h1,,2m0s0"},
		{name: "missing letter", enc: "o*d*w*m0s0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Decode(tt.enc)
			assert.Equal(t, fullRange(0, 23), f.Hours)
			assert.Equal(t, []int{0}, f.Minutes)
		})
	}
}

func TestValidateEncoding(t *testing.T) {
	assert.NoError(t, ValidateEncoding("o*d*w*h0m30s0"))
	assert.Error(t, ValidateEncoding("h25"))
	assert.Error(t, ValidateEncoding("x5"))
	assert.Error(t, ValidateEncoding("m1,,2"))
}

func TestEncode(t *testing.T) {
	enc := "o*d*w1,5h9m0,30s0"
	assert.Equal(t, enc, Encode(Decode(enc)))
	assert.Equal(t, "o*d*w*h*m*s*", Encode(EveryField()))
}

func TestPredefined(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	enc, ok := Predefined("hourly", rng)
	require.True(t, ok)
	f := Decode(enc)
	assert.Len(t, f.Minutes, 1)
	assert.Len(t, f.Seconds, 1)
	assert.Len(t, f.Hours, 24)

	enc, ok = Predefined("HALFHOURLY", rng)
	require.True(t, ok)
	f = Decode(enc)
	require.Len(t, f.Minutes, 2)
	assert.Equal(t, f.Minutes[0]+30, f.Minutes[1])

	enc, ok = Predefined("monthly", rng)
	require.True(t, ok)
	f = Decode(enc)
	require.Len(t, f.Days, 1)
	assert.LessOrEqual(t, f.Days[0], 28)
	assert.GreaterOrEqual(t, f.Days[0], 1)

	_, ok = Predefined("yearly", rng)
	assert.False(t, ok)
}

func TestFieldsFromCron(t *testing.T) {
	f, err := FieldsFromCron("30 8 * * 1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, f.Seconds)
	assert.Equal(t, []int{30}, f.Minutes)
	assert.Equal(t, []int{8}, f.Hours)
	assert.Equal(t, []int{0}, f.Weekdays)
	assert.Equal(t, fullRange(1, 31), f.Days)

	f, err = FieldsFromCron("@daily")
	require.NoError(t, err)
	assert.Equal(t, "o*d*w*h0m0s0", Encode(f))

	f, err = FieldsFromCron("15 */20 * * * *")
	require.NoError(t, err)
	assert.Equal(t, []int{15}, f.Seconds)
	assert.Equal(t, []int{0, 20, 40}, f.Minutes)

	_, err = FieldsFromCron("@every 5m")
	assert.Error(t, err)

	_, err = FieldsFromCron("not a cron")
	assert.Error(t, err)
}

func TestFieldsFromCron_SundayMapsToSix(t *testing.T) {
	f, err := FieldsFromCron("0 0 * * 0,6")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, f.Weekdays)
}
