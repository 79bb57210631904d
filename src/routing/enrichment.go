package routing

import (
	"signal-hub/src/models"
	"signal-hub/src/utils"
)

// EnrichFunc transforms the per-event copy handed to the broadcaster. It runs
// on every routed event and its output is never cached.
type EnrichFunc func(e *models.MEvent)

// Payload keys written by MarketSessionEnricher.
const (
	PayloadExchange      = "exchange"
	PayloadMarketSession = "market_session"
)

// MarketSessionEnricher annotates symbol events with the listing exchange and
// whether it is open, closed or on holiday at the event's creation time.
func MarketSessionEnricher(resolver *utils.SessionResolver) EnrichFunc {
	return func(e *models.MEvent) {
		if e.Symbol == "" {
			return
		}
		mic, state := resolver.Session(e.Symbol, e.CreatedAt)
		if e.Payload == nil {
			e.Payload = make(map[string]any, 2)
		}
		e.Payload[PayloadExchange] = mic
		e.Payload[PayloadMarketSession] = state
	}
}

// Chain runs enrichers in order.
func Chain(fns ...EnrichFunc) EnrichFunc {
	return func(e *models.MEvent) {
		for _, fn := range fns {
			if fn != nil {
				fn(e)
			}
		}
	}
}
