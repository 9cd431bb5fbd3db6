// Package risk owns the portfolio state and the emergency ladder. It is the
// single writer of PortfolioState and EmergencyEvent records; every other
// component sees immutable snapshots.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxsignal/internal/clock"
	"fxsignal/internal/config"
	"fxsignal/internal/model"
)

// Store persists portfolio snapshots and the append-only emergency log.
type Store interface {
	SavePortfolioState(ctx context.Context, st *model.PortfolioState) error
	AppendEmergencyEvent(ctx context.Context, ev *model.EmergencyEvent) error
	LoadPortfolioState(ctx context.Context) (*model.PortfolioState, error)
}

// Decision is the controller's ruling on one candidate.
type Decision struct {
	Accepted     bool
	SizeFraction float64
	VetoReason   string
	Level        int
}

// TickInputs is the per-tick market input: latest close per pair.
type TickInputs struct {
	At     time.Time
	Prices map[string]float64
}

// ExecutionUpdate reports a real fill or close from an external executor.
// It overrides the paper position the controller derived from the signal.
type ExecutionUpdate struct {
	Pair      string
	Direction model.Direction
	Price     float64
	Size      float64 // fraction of equity; 0 with Closed=true closes out
	Closed    bool
	At        time.Time
}

// exit holds the paper stop/target for an open position.
type exit struct {
	stopLoss   float64
	takeProfit float64
}

// Controller updates portfolio metrics on every tick, sizes or vetoes
// candidates, and drives the emergency state machine.
type Controller struct {
	mu    sync.RWMutex
	cfg   config.RiskConfig
	clk   clock.Clock
	store Store
	log   *zap.Logger

	state       *model.PortfolioState
	exits       map[string]exit
	lastPrices  map[string]float64
	pairReturns map[string]*window
	portReturns *window // returns for VaR
	volSamples  *window // short-window vol history, the z-score baseline
	prevEquity  float64
	samples     int // ticks with a computed portfolio return
	belowSince  time.Time
}

// NewController creates a controller in the warming-up state.
func NewController(cfg config.RiskConfig, store Store, clk clock.Clock, log *zap.Logger) *Controller {
	now := clk.Now().UTC()
	return &Controller{
		cfg:   cfg,
		clk:   clk,
		store: store,
		log:   log.Named("risk"),
		state: &model.PortfolioState{
			HighWaterMark:    cfg.InitialEquity,
			Equity:           cfg.InitialEquity,
			OpenPositions:    make(map[string]*model.Position),
			WarmingUp:        true,
			LastTransitionAt: now,
			UpdatedAt:        now,
		},
		exits:       make(map[string]exit),
		lastPrices:  make(map[string]float64),
		pairReturns: make(map[string]*window),
		portReturns: newWindow(cfg.VaRWindow),
		volSamples:  newWindow(cfg.VolLongWindow),
		prevEquity:  cfg.InitialEquity,
	}
}

// RestoreFromStore adopts the last persisted snapshot, if any. The rolling
// windows are not persisted, so the controller restarts warming up; the
// high-water mark, realized P&L, emergency level, and the manual halt latch
// survive the restart.
func (c *Controller) RestoreFromStore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	st, err := c.store.LoadPortfolioState(ctx)
	if err != nil {
		return fmt.Errorf("risk: load portfolio state: %w", err)
	}
	if st == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st.WarmingUp = true
	if st.OpenPositions == nil {
		st.OpenPositions = make(map[string]*model.Position)
	}
	c.state = st
	c.prevEquity = st.Equity
	c.log.Info("portfolio state restored",
		zap.Float64("equity", st.Equity),
		zap.Float64("hwm", st.HighWaterMark),
		zap.Int("emergency_level", st.EmergencyLevel),
		zap.Bool("manual_halt", st.ManualHalt))
	return nil
}

// OnTick marks positions to market, refreshes the rolling metrics, runs the
// emergency state machine, and persists the snapshot. Returns an immutable
// copy of the updated state. The returned error is a persistence failure;
// the in-memory state is still updated.
func (c *Controller) OnTick(ctx context.Context, in TickInputs) (*model.PortfolioState, error) {
	c.mu.Lock()
	now := in.At.UTC()

	c.markToMarket(in.Prices)
	c.pushReturns(in.Prices)
	c.refreshMetrics()
	transitioned, ev := c.runLadder(now)
	c.state.UpdatedAt = now

	snap := c.state.Clone()
	c.mu.Unlock()

	var err error
	if c.store != nil {
		if transitioned && ev != nil {
			if aerr := c.store.AppendEmergencyEvent(ctx, ev); aerr != nil {
				err = fmt.Errorf("risk: append emergency event: %w", aerr)
			}
		}
		if serr := c.store.SavePortfolioState(ctx, snap); serr != nil && err == nil {
			err = fmt.Errorf("risk: save portfolio state: %w", serr)
		}
	}
	return snap, err
}

// markToMarket updates unrealized P&L and closes paper positions whose stop
// or target was touched by the latest price.
func (c *Controller) markToMarket(prices map[string]float64) {
	for pair, pos := range c.state.OpenPositions {
		px, ok := prices[pair]
		if !ok || px <= 0 {
			continue
		}
		dir := 1.0
		if pos.Direction == model.Short {
			dir = -1
		}
		pos.Unrealized = pos.Size * c.cfg.InitialEquity * dir * (px - pos.EntryPrice) / pos.EntryPrice

		x, hasExit := c.exits[pair]
		if !hasExit {
			continue
		}
		hitStop := (pos.Direction == model.Long && px <= x.stopLoss) ||
			(pos.Direction == model.Short && px >= x.stopLoss)
		hitTarget := (pos.Direction == model.Long && px >= x.takeProfit) ||
			(pos.Direction == model.Short && px <= x.takeProfit)
		if hitStop || hitTarget {
			c.closeLocked(pair, px)
		}
	}
	c.recomputeEquity()
}

func (c *Controller) closeLocked(pair string, px float64) {
	pos, ok := c.state.OpenPositions[pair]
	if !ok {
		return
	}
	dir := 1.0
	if pos.Direction == model.Short {
		dir = -1
	}
	pnl := pos.Size * c.cfg.InitialEquity * dir * (px - pos.EntryPrice) / pos.EntryPrice
	c.state.RealizedPnL += pnl
	delete(c.state.OpenPositions, pair)
	delete(c.exits, pair)
	c.log.Info("position closed",
		zap.String("pair", pair), zap.Float64("price", px), zap.Float64("pnl", pnl))
}

func (c *Controller) recomputeEquity() {
	eq := c.cfg.InitialEquity + c.state.RealizedPnL
	for _, pos := range c.state.OpenPositions {
		eq += pos.Unrealized
	}
	c.state.Equity = eq
	if eq > c.state.HighWaterMark {
		c.state.HighWaterMark = eq
	}
}

func (c *Controller) pushReturns(prices map[string]float64) {
	for pair, px := range prices {
		if px <= 0 {
			continue
		}
		if prev, ok := c.lastPrices[pair]; ok && prev > 0 {
			w, ok := c.pairReturns[pair]
			if !ok {
				w = newWindow(c.cfg.CorrWindow)
				c.pairReturns[pair] = w
			}
			w.push(px/prev - 1)
		}
		c.lastPrices[pair] = px
	}
	if c.prevEquity > 0 {
		c.portReturns.push(c.state.Equity/c.prevEquity - 1)
		c.samples++
	}
	c.prevEquity = c.state.Equity
}

func (c *Controller) refreshMetrics() {
	m := &c.state.Metrics

	if c.state.HighWaterMark > 0 {
		m.Drawdown = 1 - c.state.Equity/c.state.HighWaterMark
		if m.Drawdown < 0 {
			m.Drawdown = 0
		}
	}

	shortVol := stddev(c.portReturns.tail(c.cfg.VolShortWindow))
	c.volSamples.push(shortVol)
	base := c.volSamples.values()
	if sd := stddev(base); sd > 0 {
		m.VolZ = (shortVol - mean(base)) / sd
	} else {
		m.VolZ = 0
	}

	// Historical-simulation VaR: 5th percentile of portfolio returns,
	// expressed as a positive loss fraction.
	if c.portReturns.len() >= c.cfg.VolShortWindow {
		q := quantile(c.portReturns.values(), 0.05)
		if q < 0 {
			m.VaR95 = -q
		} else {
			m.VaR95 = 0
		}
	}

	m.MaxPairCorr, m.CorrBreakdown = c.correlationRisk()

	c.state.WarmingUp = c.samples < c.cfg.VolShortWindow
}

// correlationRisk returns the highest pairwise correlation among pairs with
// open exposure, and whether it breaches the configured ceiling.
func (c *Controller) correlationRisk() (float64, bool) {
	var open []string
	for pair := range c.state.OpenPositions {
		open = append(open, pair)
	}
	var maxCorr float64
	breach := false
	for i := 0; i < len(open); i++ {
		wi, ok := c.pairReturns[open[i]]
		if !ok || wi.len() < 2 {
			continue
		}
		for j := i + 1; j < len(open); j++ {
			wj, ok := c.pairReturns[open[j]]
			if !ok || wj.len() < 2 {
				continue
			}
			r := pearson(wi.values(), wj.values())
			if r < 0 {
				r = -r
			}
			if r > maxCorr {
				maxCorr = r
			}
			if r >= c.cfg.MaxPairCorr {
				breach = true
			}
		}
	}
	return maxCorr, breach
}

// runLadder applies the emergency state machine. Escalation is immediate;
// de-escalation steps down one level only after the metrics have stayed
// below the current level's lower band for the full cool-down window.
func (c *Controller) runLadder(now time.Time) (bool, *model.EmergencyEvent) {
	if c.state.ManualHalt {
		return false, nil // latched at 4 until resume
	}
	cur := c.state.EmergencyLevel
	target, trigger := entryLevel(c.state.Metrics, c.cfg)

	if target > cur {
		c.belowSince = time.Time{}
		return true, c.transitionLocked(cur, target, trigger, now)
	}
	if cur == 0 {
		return false, nil
	}
	if !belowLowerBand(c.state.Metrics, cur, c.cfg) {
		c.belowSince = time.Time{}
		return false, nil
	}
	if c.belowSince.IsZero() {
		c.belowSince = now
		return false, nil
	}
	if now.Sub(c.belowSince) < c.cfg.CoolDownWindow {
		return false, nil
	}
	c.belowSince = time.Time{}
	return true, c.transitionLocked(cur, cur-1, model.TriggerRecovery, now)
}

func (c *Controller) transitionLocked(from, to int, trigger model.EmergencyTrigger, now time.Time) *model.EmergencyEvent {
	c.state.EmergencyLevel = to
	c.state.LastTransitionAt = now
	ev := &model.EmergencyEvent{
		EventTime:   now,
		PriorLevel:  from,
		NewLevel:    to,
		Trigger:     trigger,
		Metrics:     c.state.Metrics,
		ScaleFactor: LevelScale(to),
		Halt:        to == 4,
	}
	c.log.Warn("emergency level transition",
		zap.Int("from", from), zap.Int("to", to),
		zap.String("trigger", string(trigger)),
		zap.Float64("drawdown", c.state.Metrics.Drawdown),
		zap.Float64("vol_z", c.state.Metrics.VolZ),
		zap.Float64("var_95", c.state.Metrics.VaR95))
	return ev
}

// Evaluate rules on one candidate against the current state.
func (c *Controller) Evaluate(cand *model.SignalCandidate) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level := c.state.EmergencyLevel
	d := Decision{Level: level}

	if c.state.WarmingUp {
		d.VetoReason = "warming_up"
		return d
	}
	if c.state.ManualHalt || level == 4 {
		d.VetoReason = "halted"
		return d
	}
	prio := model.PriorityFromConfidence(cand.Confidence)
	if !priorityAdmitted(level, prio) {
		d.VetoReason = fmt.Sprintf("priority_%s_vetoed_at_level_%d", prio, level)
		return d
	}
	if _, open := c.state.OpenPositions[cand.Pair]; !open &&
		len(c.state.OpenPositions) >= c.cfg.MaxOpenPositions {
		d.VetoReason = "max_open_positions"
		return d
	}
	if w, ok := c.pairReturns[cand.Pair]; ok && w.len() >= 2 {
		for pair := range c.state.OpenPositions {
			if pair == cand.Pair {
				continue
			}
			other, ok := c.pairReturns[pair]
			if !ok || other.len() < 2 {
				continue
			}
			r := pearson(w.values(), other.values())
			if r < 0 {
				r = -r
			}
			if r >= c.cfg.MaxPairCorr {
				d.VetoReason = "pair_correlation_ceiling"
				return d
			}
		}
	}

	d.Accepted = true
	d.SizeFraction = c.cfg.BaseRiskPerTrade * c.volScale() * c.corrScale() * LevelScale(level)
	return d
}

// volScale shrinks size as the vol z-score climbs above zero; always (0,1].
func (c *Controller) volScale() float64 {
	z := c.state.Metrics.VolZ
	if z <= 0 {
		return 1
	}
	return 1 / (1 + z)
}

// corrScale shrinks size as the book's max correlation approaches the
// ceiling; always (0,1].
func (c *Controller) corrScale() float64 {
	r := c.state.Metrics.MaxPairCorr
	if r <= 0.5 {
		return 1
	}
	s := 1 - (r - 0.5)
	if s < 0.25 {
		return 0.25
	}
	return s
}

// OpenPosition registers the paper position derived from an accepted,
// stored signal.
func (c *Controller) OpenPosition(sig *model.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.OpenPositions[sig.Pair] = &model.Position{
		Pair:       sig.Pair,
		Direction:  sig.Direction,
		Size:       sig.SizedFraction,
		EntryPrice: sig.SignalPrice,
		OpenedAt:   sig.GeneratedAt,
	}
	c.exits[sig.Pair] = exit{stopLoss: sig.StopLoss, takeProfit: sig.TakeProfit}
}

// OnExecutionUpdate applies a real fill or close, overriding the paper book.
func (c *Controller) OnExecutionUpdate(u ExecutionUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Closed {
		if u.Price > 0 {
			c.closeLocked(u.Pair, u.Price)
		} else {
			delete(c.state.OpenPositions, u.Pair)
			delete(c.exits, u.Pair)
		}
		c.recomputeEquity()
		return
	}
	c.state.OpenPositions[u.Pair] = &model.Position{
		Pair:       u.Pair,
		Direction:  u.Direction,
		Size:       u.Size,
		EntryPrice: u.Price,
		OpenedAt:   u.At,
	}
}

// Halt forces emergency level 4 with the manual latch set. The latch is
// persisted and survives restart; only Resume releases it.
func (c *Controller) Halt(ctx context.Context) error {
	c.mu.Lock()
	now := c.clk.Now().UTC()
	var ev *model.EmergencyEvent
	if !c.state.ManualHalt {
		ev = c.transitionLocked(c.state.EmergencyLevel, 4, model.TriggerManual, now)
		c.state.ManualHalt = true
	}
	snap := c.state.Clone()
	c.mu.Unlock()

	if c.store == nil || ev == nil {
		return nil
	}
	if err := c.store.AppendEmergencyEvent(ctx, ev); err != nil {
		return err
	}
	return c.store.SavePortfolioState(ctx, snap)
}

// Resume releases the manual latch and re-levels from current metrics.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	now := c.clk.Now().UTC()
	var ev *model.EmergencyEvent
	if c.state.ManualHalt || c.state.EmergencyLevel == 4 {
		c.state.ManualHalt = false
		target, _ := entryLevel(c.state.Metrics, c.cfg)
		if target == 4 {
			target = 3 // metrics still critical, step to crisis not halt
		}
		ev = c.transitionLocked(c.state.EmergencyLevel, target, model.TriggerManual, now)
	}
	snap := c.state.Clone()
	c.mu.Unlock()

	if c.store == nil || ev == nil {
		return nil
	}
	if err := c.store.AppendEmergencyEvent(ctx, ev); err != nil {
		return err
	}
	return c.store.SavePortfolioState(ctx, snap)
}

// Snapshot returns an immutable copy of the current state.
func (c *Controller) Snapshot() *model.PortfolioState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}
