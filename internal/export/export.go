// Package export writes candle series to csv, json or parquet files.
package export

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"powertrader/internal/domain"
)

// Saver persists one candle series to a file.
type Saver interface {
	Save(asset string, tf domain.Timeframe, candles []domain.Candle, path string) error
	Extension() string
}

// Formats lists the supported export formats.
var Formats = []string{"csv", "json", "parquet"}

// NewSaver returns the saver for format, or nil if the format is unsupported.
func NewSaver(format string) Saver {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}
	case "json":
		return JSONSaver{}
	case "parquet":
		return ParquetSaver{}
	default:
		return nil
	}
}

// Row is the flat export record shared by every format.
type Row struct {
	OpenTime  int64   `json:"open_time" parquet:"open_time"`
	Asset     string  `json:"asset" parquet:"asset,dict"`
	Timeframe string  `json:"timeframe" parquet:"timeframe,dict"`
	Open      float64 `json:"open" parquet:"open"`
	High      float64 `json:"high" parquet:"high"`
	Low       float64 `json:"low" parquet:"low"`
	Close     float64 `json:"close" parquet:"close"`
	Volume    float64 `json:"volume" parquet:"volume"`
}

// Rows flattens candles into export rows.
func Rows(asset string, tf domain.Timeframe, candles []domain.Candle) []Row {
	rows := make([]Row, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, Row{
			OpenTime:  c.OpenTime,
			Asset:     asset,
			Timeframe: tf.String(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return rows
}

// FileName builds "<ASSET>_<tf>_<from>_to_<to>.<ext>" under dir, using the
// series' first and last open times.
func FileName(dir, asset string, tf domain.Timeframe, candles []domain.Candle, ext string) string {
	from, to := "empty", "empty"
	if len(candles) > 0 {
		from = candles[0].Time().Format("20060102")
		to = candles[len(candles)-1].Time().Format("20060102")
	}
	name := fmt.Sprintf("%s_%s_%s_to_%s.%s", strings.ToUpper(asset), tf, from, to, ext)
	return filepath.Join(dir, name)
}

func rfc3339(openTime int64) string {
	return time.Unix(openTime, 0).UTC().Format(time.RFC3339)
}
