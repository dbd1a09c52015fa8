package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUsageStatus_Percent(t *testing.T) {
	tests := []struct {
		name        string
		used, limit int64
		want        int
	}{
		{"no limit", 10, 0, 0},
		{"unused", 0, 1000, 0},
		{"exact tenth", 290, 1000, 29},
		{"rounds down", 999, 1000, 99},
		{"capped", 1500, 1000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := UsageStatus{UsedSU: tt.used, LimitSU: tt.limit}
			if tt.limit > 0 {
				s.UsedFraction = float64(tt.used) / float64(tt.limit)
			}
			require.Equal(t, tt.want, s.Percent())
		})
	}
}

func TestAccountInfo_InvestedSU(t *testing.T) {
	info := AccountInfo{Investments: []Investment{
		{TotalSU: 100, WithdrawnSU: 40},
		{TotalSU: 50},
	}}
	total, remaining := info.InvestedSU()
	require.Equal(t, int64(150), total)
	require.Equal(t, int64(110), remaining)
}
