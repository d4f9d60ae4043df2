package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
	"autotrade/internal/domain/service"
	"autotrade/internal/infrastructure/apiclient"
)

// ErrStopped is returned by Publish once Run has returned.
var ErrStopped = errors.New("pipeline: stopped")

type Config struct {
	QueueSize    int
	EvalInterval time.Duration // decision point period
	DrainGrace   time.Duration // how long queued events are still processed after shutdown
	OrderTTL     time.Duration // open orders older than this are cancelled; 0 disables
	HistoryLen   int           // prices kept per instrument
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.EvalInterval <= 0 {
		c.EvalInterval = 5 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 3 * time.Second
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = 120
	}
}

// Observer receives pipeline outcomes, e.g. for metrics.
type Observer interface {
	ObserveEvent(kind model.EventKind)
	ObserveDecision(instrument, outcome string)
	ObserveOrder(instrument, outcome string)
	ObserveQueueDepth(depth int)
}

type Deps struct {
	Config     Config
	Broker     port.Broker
	Executor   *OrderExecutor // defaults to NewOrderExecutor(Broker)
	Strategies []port.Strategy
	Aggregator *service.SignalAggregator
	Risk       *service.RiskGate
	Portfolio  *service.Portfolio
	Orders     *service.OrderBook
	Journal    port.Journal                    // optional
	Observer   Observer                        // optional
	AuthCheck  func(ctx context.Context) error // optional; failing halts new orders
	Now        func() time.Time
}

// Pipeline is the single consumer of the event queue. Every state change
// for orders and positions happens on the goroutine running Run.
type Pipeline struct {
	cfg  Config
	deps Deps
	exec *OrderExecutor
	now  func() time.Time

	queue   chan model.Event
	seq     atomic.Uint64
	stopped atomic.Bool

	// consumer-owned state
	local    []model.Event
	history  map[string]*priceWindow
	pending  map[string]map[string]model.Signal // instrument -> source -> latest signal
	notional map[string]float64                 // order id -> booked fill notional
	halted   bool
}

var _ port.EventSink = (*Pipeline)(nil)

func New(deps Deps) *Pipeline {
	cfg := deps.Config
	cfg.applyDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Orders == nil {
		deps.Orders = service.NewOrderBook()
	}
	if deps.Portfolio == nil {
		deps.Portfolio = service.NewPortfolio(0)
	}
	exec := deps.Executor
	if exec == nil {
		exec = NewOrderExecutor(deps.Broker)
	}
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		exec:    exec,
		now:     deps.Now,
		queue:   make(chan model.Event, cfg.QueueSize),
		history: make(map[string]*priceWindow),
		pending: make(map[string]map[string]model.Signal),

		notional: make(map[string]float64),
	}
}

// Publish enqueues p, blocking while the queue is full.
func (p *Pipeline) Publish(ctx context.Context, payload model.Payload) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	ev := p.wrap(payload)
	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) wrap(payload model.Payload) model.Event {
	return model.Event{Seq: p.seq.Add(1), At: p.now(), Payload: payload}
}

// Sync seeds cash and positions from the broker balance.
func (p *Pipeline) Sync(ctx context.Context) error {
	bal, err := p.deps.Broker.Balance(ctx)
	if err != nil {
		return fmt.Errorf("sync balance: %w", err)
	}
	p.deps.Portfolio.Seed(bal.Cash, bal.Positions)
	log.Info().Float64("cash", bal.Cash).Int("positions", len(bal.Positions)).Msg("portfolio synced")
	return nil
}

// SeedHistory prefills each instrument's price window with daily closes so
// the VaR estimate has observations before ticks arrive. Call it before Run.
func (p *Pipeline) SeedHistory(ctx context.Context, instruments []string, days int) error {
	if days <= 0 {
		return nil
	}
	var errs []error
	for _, inst := range instruments {
		closes, err := p.deps.Broker.DailyCloses(ctx, inst, days)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", inst, err))
			continue
		}
		w := p.window(inst)
		for _, c := range closes {
			w.add(c)
		}
		log.Info().Str("instrument", inst).Int("closes", len(closes)).Msg("price history seeded")
	}
	return errors.Join(errs...)
}

// Run consumes events and fires a decision point every EvalInterval until
// ctx is done, then drains what is still queued within DrainGrace.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.EvalInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.cfg.EvalInterval).Int("queue", p.cfg.QueueSize).Msg("pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case ev := <-p.queue:
			p.Process(ctx, ev)
		case <-ticker.C:
			p.Evaluate(ctx)
		}
	}
}

func (p *Pipeline) drain() {
	p.stopped.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainGrace)
	defer cancel()

	n := 0
	for {
		select {
		case <-ctx.Done():
			log.Warn().Int("processed", n).Int("dropped", len(p.queue)).Msg("drain grace expired")
			return
		case ev := <-p.queue:
			p.Process(ctx, ev)
			n++
		default:
			log.Info().Int("processed", n).Msg("pipeline drained")
			return
		}
	}
}

// Process handles ev and every event produced while handling it, in order,
// before returning.
func (p *Pipeline) Process(ctx context.Context, ev model.Event) {
	p.handle(ctx, ev)
	p.flush(ctx)
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveQueueDepth(len(p.queue))
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	for len(p.local) > 0 {
		next := p.local[0]
		p.local = p.local[1:]
		p.handle(ctx, next)
	}
}

// emit queues a follow-up event produced on the consumer goroutine. It is
// processed before the next queued event, so the consumer never blocks on
// its own queue.
func (p *Pipeline) emit(payload model.Payload) {
	p.local = append(p.local, p.wrap(payload))
}

func (p *Pipeline) handle(ctx context.Context, ev model.Event) {
	if p.deps.Observer != nil && ev.Payload != nil {
		p.deps.Observer.ObserveEvent(ev.Payload.Kind())
	}
	switch pl := ev.Payload.(type) {
	case model.MarketEvent:
		p.onMarket(pl.Tick)
	case model.SignalEvent:
		p.onSignal(pl.Signal)
	case model.OrderEvent:
		p.onOrder(ctx, pl.Order)
	case model.FillEvent:
		p.onFill(ctx, pl.Fill)
	default:
		log.Warn().Uint64("seq", ev.Seq).Msg("event without payload")
	}
}

func (p *Pipeline) window(instrument string) *priceWindow {
	w, ok := p.history[instrument]
	if !ok {
		w = newPriceWindow(p.cfg.HistoryLen)
		p.history[instrument] = w
	}
	return w
}

func (p *Pipeline) onMarket(t model.Tick) {
	if t.Instrument == "" || t.Price <= 0 {
		return
	}
	w := p.window(t.Instrument)
	w.add(t.Price)

	snap := port.Snapshot{Tick: t, Prices: w.snapshot()}
	for _, s := range p.deps.Strategies {
		for _, sig := range s.OnMarket(snap) {
			if sig.Instrument == "" {
				sig.Instrument = t.Instrument
			}
			if sig.Source == "" {
				sig.Source = s.Name()
			}
			if sig.Ts.IsZero() {
				sig.Ts = t.Ts
			}
			p.emit(model.SignalEvent{Signal: sig})
		}
	}
}

func (p *Pipeline) onSignal(s model.Signal) {
	bySource, ok := p.pending[s.Instrument]
	if !ok {
		bySource = make(map[string]model.Signal)
		p.pending[s.Instrument] = bySource
	}
	bySource[s.Source] = s
}

// Evaluate is the decision point: it cancels stale orders, then aggregates
// the signals collected since the previous decision point and emits at most
// one order per instrument.
func (p *Pipeline) Evaluate(ctx context.Context) {
	defer p.flush(ctx)

	if p.deps.AuthCheck != nil {
		if err := p.deps.AuthCheck(ctx); err != nil {
			if !p.halted {
				log.Error().Err(err).Msg("credential unavailable, halting new orders")
			}
			p.halted = true
		} else if p.halted {
			log.Info().Msg("credential restored, resuming orders")
			p.halted = false
		}
	} else {
		p.halted = false
	}

	p.reconcile(ctx)

	now := p.now()
	p.cancelStale(ctx, now)
	p.deps.Orders.Cleanup(now)

	instruments := make([]string, 0, len(p.pending))
	for inst := range p.pending {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	for _, inst := range instruments {
		bySource := p.pending[inst]
		delete(p.pending, inst)

		signals := make([]model.Signal, 0, len(bySource))
		for _, s := range bySource {
			signals = append(signals, s)
		}
		p.decide(ctx, inst, signals)
		// book this order's outcome before the next instrument is sized
		p.flush(ctx)
	}
}

func (p *Pipeline) decide(ctx context.Context, inst string, signals []model.Signal) {
	if p.halted {
		p.decision(inst, "halted")
		return
	}
	if p.deps.Orders.HasOpen(inst) {
		log.Debug().Str("instrument", inst).Msg("open order outstanding, dropping signals")
		p.decision(inst, "outstanding")
		return
	}

	agg := p.deps.Aggregator.Aggregate(inst, signals)
	in := p.riskInput(ctx, inst)

	var order *model.Order
	if agg.Exit {
		order = p.deps.Risk.CloseOrder(inst, in)
		if order == nil {
			p.decision(inst, "flat")
			return
		}
		log.Info().Str("instrument", inst).Str("source", agg.ExitSource).Int64("qty", order.Quantity).Msg("exit signal, closing position")
	} else {
		d := p.deps.Risk.Evaluate(inst, agg.Score, in)
		if d.Vetoed {
			log.Info().Str("instrument", inst).Float64("score", agg.Score).Float64("var", d.VaR).Msg("risk veto: " + d.Reason)
			p.decision(inst, "veto")
			return
		}
		if d.Order == nil {
			log.Debug().Str("instrument", inst).Float64("score", agg.Score).Msg(d.Reason)
			p.decision(inst, "none")
			return
		}
		order = d.Order
	}

	if err := p.deps.Orders.Register(order); err != nil {
		log.Warn().Err(err).Msg("order dropped")
		p.decision(inst, "outstanding")
		return
	}
	p.decision(inst, "order")
	p.emit(model.OrderEvent{Order: order})
}

func (p *Pipeline) riskInput(ctx context.Context, inst string) service.RiskInput {
	w := p.window(inst)
	price := w.last()
	if price <= 0 && p.deps.Broker != nil {
		q, err := p.deps.Broker.Quote(ctx, inst)
		if err != nil {
			log.Warn().Err(err).Str("instrument", inst).Msg("quote failed")
		} else {
			w.add(q)
			price = q
		}
	}
	cash := p.deps.Portfolio.Cash() - p.deps.Orders.Committed()
	if cash < 0 {
		cash = 0
	}
	return service.RiskInput{
		Price:    price,
		Returns:  w.returns(),
		Position: p.deps.Portfolio.Position(inst),
		Cash:     cash,
	}
}

// reconcile asks the broker about every acknowledged open order and books
// quantity executed since the last look.
func (p *Pipeline) reconcile(ctx context.Context) {
	for _, o := range p.deps.Orders.Open() {
		if o.BrokerRef == "" || o.State == model.OrderPending {
			continue
		}
		fill, cancelled, err := p.exec.Poll(ctx, o, p.notional[o.ID])
		if err != nil {
			log.Warn().Err(err).Str("order", o.ID).Str("instrument", o.Instrument).Msg("execution inquiry failed")
			continue
		}
		if fill != nil {
			p.emit(model.FillEvent{Fill: *fill})
			p.flush(ctx)
		}
		if cancelled && o.State.Open() {
			p.cancelled(ctx, o, "cancelled at broker")
		}
	}
}

func (p *Pipeline) cancelStale(ctx context.Context, now time.Time) {
	if p.cfg.OrderTTL <= 0 {
		return
	}
	for _, o := range p.deps.Orders.Stale(now, p.cfg.OrderTTL) {
		if err := p.exec.Cancel(ctx, o); err != nil {
			log.Warn().Err(err).Str("order", o.ID).Str("instrument", o.Instrument).Msg("cancel failed")
			if !orderGone(err) {
				continue
			}
		}
		p.cancelled(ctx, o, "ttl expired")
	}
}

// orderGone reports whether a cancel failure means the broker no longer
// holds the order. Only a rejection of the cancel request itself counts;
// a credential failure wrapping a rejection never reached the broker.
func orderGone(err error) bool {
	if errors.Is(err, apiclient.ErrAuth) {
		return false
	}
	return apiclient.KindOf(err) == apiclient.KindPermanentRequest
}

func (p *Pipeline) cancelled(ctx context.Context, o *model.Order, reason string) {
	if err := p.deps.Orders.MarkCancelled(o.ID, reason); err != nil {
		log.Warn().Err(err).Msg("mark cancelled")
		return
	}
	delete(p.notional, o.ID)
	log.Info().Str("order", o.ID).Str("instrument", o.Instrument).Int64("filled", o.Filled).Str("reason", reason).Msg("order cancelled")
	p.observeOrder(o.Instrument, "cancelled")
	p.record(ctx, o)
}

func (p *Pipeline) onOrder(ctx context.Context, o *model.Order) {
	if o == nil {
		return
	}
	if p.halted {
		p.reject(ctx, o, "new orders halted")
		return
	}

	fill, err := p.exec.Submit(ctx, o)
	if err != nil {
		if errors.Is(err, apiclient.ErrAuth) {
			log.Error().Err(err).Msg("credential rejected, halting new orders")
			p.halted = true
		}
		p.reject(ctx, o, err.Error())
		return
	}
	if err := p.deps.Orders.MarkSubmitted(o.ID, o.BrokerRef, o.BrokerOrg); err != nil {
		log.Warn().Err(err).Str("order", o.ID).Msg("mark submitted")
	}
	log.Info().Str("order", o.ID).Str("instrument", o.Instrument).Str("side", string(o.Side)).
		Int64("qty", o.Quantity).Str("broker_ref", o.BrokerRef).Msg("order submitted")
	p.observeOrder(o.Instrument, "submitted")
	p.record(ctx, o)

	if fill != nil {
		p.emit(model.FillEvent{Fill: *fill})
	}
}

func (p *Pipeline) reject(ctx context.Context, o *model.Order, reason string) {
	if err := p.deps.Orders.MarkRejected(o.ID, reason); err != nil {
		log.Warn().Err(err).Str("order", o.ID).Msg("mark rejected")
	}
	log.Error().Str("order", o.ID).Str("instrument", o.Instrument).Str("reason", reason).Msg("order rejected")
	p.observeOrder(o.Instrument, "rejected")
	p.record(ctx, o)
}

// onFill applies f once. Replays of the same fill id are ignored.
func (p *Pipeline) onFill(ctx context.Context, f model.Fill) {
	if !p.deps.Portfolio.Apply(f) {
		log.Debug().Str("fill", f.Key()).Msg("duplicate fill ignored")
		return
	}
	state, err := p.deps.Orders.ApplyFill(f.OrderID, f.Quantity)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("fill", f.Key()).Msg("fill for unknown or closed order")
	case state.Open():
		p.notional[f.OrderID] += f.Price * float64(f.Quantity)
	default:
		delete(p.notional, f.OrderID)
	}
	pos := p.deps.Portfolio.Position(f.Instrument)
	log.Info().Str("instrument", f.Instrument).Str("side", string(f.Side)).Int64("qty", f.Quantity).
		Float64("price", f.Price).Str("state", string(state)).Int64("position", pos.Quantity).Msg("fill applied")
	p.observeOrder(f.Instrument, "filled")

	if j := p.deps.Journal; j != nil {
		if err := j.RecordFill(ctx, f); err != nil {
			log.Warn().Err(err).Msg("journal fill")
		}
		if err := j.RecordPosition(ctx, pos); err != nil {
			log.Warn().Err(err).Msg("journal position")
		}
		if o, ok := p.deps.Orders.Get(f.OrderID); ok {
			p.record(ctx, o)
		}
	}
}

func (p *Pipeline) record(ctx context.Context, o *model.Order) {
	if p.deps.Journal == nil {
		return
	}
	if err := p.deps.Journal.RecordOrder(ctx, o); err != nil {
		log.Warn().Err(err).Str("order", o.ID).Msg("journal order")
	}
}

func (p *Pipeline) decision(inst, outcome string) {
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveDecision(inst, outcome)
	}
}

func (p *Pipeline) observeOrder(inst, outcome string) {
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveOrder(inst, outcome)
	}
}
