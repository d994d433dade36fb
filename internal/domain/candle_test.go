package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandleRow(t *testing.T) {
	tests := []struct {
		name   string
		row    CandleRow
		want   Candle
		wantOK bool
	}{
		{
			name:   "string cells in canonical order",
			row:    CandleRow{"1700000000", "100", "101", "102", "99", "12.5"},
			want:   Candle{OpenTime: 1700000000, Open: 100, Close: 101, High: 102, Low: 99, Volume: 12.5},
			wantOK: true,
		},
		{
			name:   "numeric cells with noise",
			row:    CandleRow{float64(1700000060), " 100.5 ", json.Number("101"), "[103]", "99,", 0.0},
			want:   Candle{OpenTime: 1700000060, Open: 100.5, Close: 101, High: 103, Low: 99, Volume: 0},
			wantOK: true,
		},
		{
			name: "short row",
			row:  CandleRow{"1700000000", "100", "101"},
		},
		{
			name: "garbage cell",
			row:  CandleRow{"1700000000", "abc", "101", "102", "99", "1"},
		},
		{
			name: "zero price",
			row:  CandleRow{"1700000000", "0", "101", "102", "99", "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCandleRow(tt.row)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRowsToCandles_SortsAndDeduplicates(t *testing.T) {
	rows := []CandleRow{
		{"300", "3", "3", "3", "3", "1"},
		{"100", "1", "1", "1", "1", "1"},
		{"bad", "1", "1", "1", "1", "1"},
		{"200", "2", "2", "2", "2", "1"},
		{"100", "9", "9", "9", "9", "1"},
	}

	got := RowsToCandles(rows)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].OpenTime, got[i].OpenTime)
	}
	assert.Equal(t, 9.0, got[0].Open, "later duplicate should win")
}

func TestQuote(t *testing.T) {
	assert.True(t, Quote{}.IsZero())
	assert.True(t, Quote{Bid: 1}.IsZero())
	assert.Equal(t, 0.0, Quote{}.Mid())
	assert.InDelta(t, 100.5, Quote{Bid: 100, Ask: 101}.Mid(), 1e-9)
}

func TestTailCandles(t *testing.T) {
	in := []Candle{{OpenTime: 1}, {OpenTime: 2}, {OpenTime: 3}}
	assert.Len(t, TailCandles(in, 2), 2)
	assert.Equal(t, int64(2), TailCandles(in, 2)[0].OpenTime)
	assert.Len(t, TailCandles(in, 10), 3)
}
