package advisor

import (
	"math"
	"sync"
	"time"

	"github.com/positionguard/positionguard/internal/domain"
)

// volatilityWindow is the number of trailing points used for the volatility
// estimate. Fewer observed points means no estimate.
const volatilityWindow = 10

type pricePoint struct {
	at    time.Time
	price float64
}

// priceHistory accumulates per-asset quote observations across cycles so the
// prompt can carry short-term trend and volatility context.
type priceHistory struct {
	mu     sync.Mutex
	depth  int
	points map[string][]pricePoint
}

func newPriceHistory(depth int) *priceHistory {
	if depth <= 0 {
		depth = 1000
	}
	return &priceHistory{
		depth:  depth,
		points: make(map[string][]pricePoint),
	}
}

// observe appends one point per quoted asset, trimming each series to the
// configured depth.
func (h *priceHistory) observe(quotes map[string]domain.PriceQuote) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for asset, q := range quotes {
		series := append(h.points[asset], pricePoint{at: q.ObservedAt, price: q.Price})
		if len(series) > h.depth {
			series = series[len(series)-h.depth:]
		}
		h.points[asset] = series
	}
}

// changePct returns the percentage move between the last two observations.
func (h *priceHistory) changePct(asset string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := h.points[asset]
	if len(series) < 2 {
		return 0, false
	}
	prev := series[len(series)-2].price
	if prev == 0 {
		return 0, false
	}
	return (series[len(series)-1].price - prev) / prev * 100, true
}

// volatilityPct returns the coefficient of variation of the trailing window,
// as a percentage. It needs a full window of observations.
func (h *priceHistory) volatilityPct(asset string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := h.points[asset]
	if len(series) < volatilityWindow {
		return 0, false
	}
	window := series[len(series)-volatilityWindow:]

	var sum float64
	for _, p := range window {
		sum += p.price
	}
	mean := sum / float64(len(window))
	if mean == 0 {
		return 0, false
	}

	var sq float64
	for _, p := range window {
		d := p.price - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(window)))

	return stddev / mean * 100, true
}
