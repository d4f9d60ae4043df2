package port

import "autotrade/internal/domain/model"

// Snapshot is what a strategy sees on every market update.
type Snapshot struct {
	Tick   model.Tick
	Prices []float64 // recent prices for Tick.Instrument, oldest first, including Tick.Price
}

// Strategy produces signals from market snapshots. It is called only from
// the pipeline loop and needs no locking of its own.
type Strategy interface {
	Name() string
	OnMarket(s Snapshot) []model.Signal
}
