package service

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"autotrade/internal/domain/model"
)

// RiskConfig holds the gate thresholds and sizing limits.
type RiskConfig struct {
	ActivationThreshold      float64 // |score| must exceed this
	VaRConfidence            float64 // e.g. 0.95
	VaRCeiling               float64 // veto when estimated VaR is above
	MinObservations          int     // returns needed for a historical estimate
	DefaultVaR               float64 // used with too few observations
	RiskBudget               float64 // currency risked per order
	MaxExposurePerInstrument float64 // currency cap on |position| × price
	MinVolatility            float64 // floor for the sizing denominator
	AllowShort               bool
}

// RiskInput is what the gate needs to know about one instrument.
type RiskInput struct {
	Price    float64
	Returns  []float64
	Position model.Position
	Cash     float64
}

// Decision is the gate's verdict. Order is nil when nothing should trade.
type Decision struct {
	Order  *model.Order
	Vetoed bool
	VaR    float64
	Reason string
}

// RiskGate turns aggregated scores into sized orders or suppresses them.
type RiskGate struct {
	cfg RiskConfig
	now func() time.Time
}

func NewRiskGate(cfg RiskConfig) *RiskGate {
	if cfg.VaRConfidence <= 0 || cfg.VaRConfidence >= 1 {
		cfg.VaRConfidence = 0.95
	}
	return &RiskGate{cfg: cfg, now: time.Now}
}

// Evaluate decides whether score warrants an order. The VaR veto is checked
// before sizing and takes precedence over signal strength.
func (g *RiskGate) Evaluate(instrument string, score float64, in RiskInput) Decision {
	if math.Abs(score) <= g.cfg.ActivationThreshold {
		return Decision{Reason: fmt.Sprintf("score %.4f below activation %.4f", score, g.cfg.ActivationThreshold)}
	}
	if in.Price <= 0 {
		return Decision{Reason: "no market price"}
	}

	v := g.VaR(in.Returns)
	if v > g.cfg.VaRCeiling {
		return Decision{Vetoed: true, VaR: v, Reason: fmt.Sprintf("VaR %.4f exceeds ceiling %.4f", v, g.cfg.VaRCeiling)}
	}

	side := model.SideBuy
	if score < 0 {
		side = model.SideSell
	}
	qty := g.size(side, in)
	if qty <= 0 {
		return Decision{VaR: v, Reason: "sized to zero"}
	}
	return Decision{VaR: v, Order: g.newOrder(instrument, side, qty, in.Price)}
}

// CloseOrder builds an order flattening the position, or nil when flat.
func (g *RiskGate) CloseOrder(instrument string, in RiskInput) *model.Order {
	q := in.Position.Quantity
	switch {
	case q > 0:
		return g.newOrder(instrument, model.SideSell, q, in.Price)
	case q < 0:
		return g.newOrder(instrument, model.SideBuy, -q, in.Price)
	}
	return nil
}

// VaR estimates historical value at risk as a positive loss fraction.
func (g *RiskGate) VaR(returns []float64) float64 {
	if len(returns) < g.cfg.MinObservations || len(returns) == 0 {
		return g.cfg.DefaultVaR
	}
	return -percentile(returns, (1-g.cfg.VaRConfidence)*100)
}

// size = floor(budget / (vol × price)) clipped to capital and exposure.
func (g *RiskGate) size(side model.Side, in RiskInput) int64 {
	vol := stddev(in.Returns)
	if vol < g.cfg.MinVolatility {
		vol = g.cfg.MinVolatility
	}
	if vol <= 0 {
		return 0
	}
	qty := int64(math.Floor(g.cfg.RiskBudget / (vol * in.Price)))

	held := in.Position.Quantity
	if g.cfg.MaxExposurePerInstrument > 0 {
		room := g.cfg.MaxExposurePerInstrument / in.Price
		var limit int64
		if side == model.SideBuy {
			limit = int64(math.Floor(room)) - held
		} else {
			limit = int64(math.Floor(room)) + held
		}
		qty = minInt64(qty, limit)
	}

	if side == model.SideBuy {
		qty = minInt64(qty, int64(math.Floor(in.Cash/in.Price)))
	} else if !g.cfg.AllowShort {
		qty = minInt64(qty, held)
	}
	return qty
}

func (g *RiskGate) newOrder(instrument string, side model.Side, qty int64, price float64) *model.Order {
	now := g.now()
	return &model.Order{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Side:       side,
		Kind:       model.OrderKindMarket,
		Quantity:   qty,
		RefPrice:   price,
		State:      model.OrderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(rank-float64(lo))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
