package pipeline

// priceWindow keeps the last n prices of one instrument.
type priceWindow struct {
	n      int
	prices []float64
}

func newPriceWindow(n int) *priceWindow {
	if n < 2 {
		n = 2
	}
	return &priceWindow{n: n, prices: make([]float64, 0, n)}
}

func (w *priceWindow) add(p float64) {
	if p <= 0 {
		return
	}
	if len(w.prices) == w.n {
		copy(w.prices, w.prices[1:])
		w.prices = w.prices[:w.n-1]
	}
	w.prices = append(w.prices, p)
}

func (w *priceWindow) last() float64 {
	if len(w.prices) == 0 {
		return 0
	}
	return w.prices[len(w.prices)-1]
}

// snapshot returns a copy, oldest first.
func (w *priceWindow) snapshot() []float64 {
	return append([]float64(nil), w.prices...)
}

// returns are simple period-over-period returns.
func (w *priceWindow) returns() []float64 {
	if len(w.prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w.prices)-1)
	for i := 1; i < len(w.prices); i++ {
		out = append(out, w.prices[i]/w.prices[i-1]-1)
	}
	return out
}
