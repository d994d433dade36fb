package export

import (
	"encoding/json"
	"fmt"

	"powertrader/internal/domain"
	"powertrader/internal/statestore"
)

// JSONSaver writes the rows as one indented JSON array.
type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(asset string, tf domain.Timeframe, candles []domain.Candle, path string) error {
	data, err := json.MarshalIndent(Rows(asset, tf, candles), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}
	return statestore.WriteAtomic(path, data)
}
