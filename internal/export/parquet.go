package export

import (
	"github.com/parquet-go/parquet-go"

	"powertrader/internal/domain"
)

// ParquetSaver writes the rows as a single parquet file.
type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(asset string, tf domain.Timeframe, candles []domain.Candle, path string) error {
	return parquet.WriteFile(path, Rows(asset, tf, candles))
}
