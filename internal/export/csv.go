package export

import (
	"encoding/csv"
	"os"
	"strconv"

	"powertrader/internal/domain"
)

// CSVSaver writes one header line plus one line per candle.
type CSVSaver struct{}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(asset string, tf domain.Timeframe, candles []domain.Candle, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"open_time", "time", "asset", "timeframe", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, r := range Rows(asset, tf, candles) {
		if err := writer.Write([]string{
			strconv.FormatInt(r.OpenTime, 10),
			rfc3339(r.OpenTime),
			r.Asset,
			r.Timeframe,
			strconv.FormatFloat(r.Open, 'f', -1, 64),
			strconv.FormatFloat(r.High, 'f', -1, 64),
			strconv.FormatFloat(r.Low, 'f', -1, 64),
			strconv.FormatFloat(r.Close, 'f', -1, 64),
			strconv.FormatFloat(r.Volume, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
