package routing

import (
	"fmt"

	"signal-hub/src/models"
	"signal-hub/src/utils"
)

// Enricher names accepted in route config.
const EnricherMarketSession = "market_session"

// ApplyRoutes registers the configured rules. BroadcastAll routes resolve the
// audience bound to the router at routing time.
func (r *EventRouter) ApplyRoutes(routes []models.MRouteConfig, m Matcher, instanceIndex, instanceCount int, resolver *utils.SessionResolver) error {
	for _, route := range routes {
		strategy, ok := StrategyByName(route.Strategy, m, r.Audience(), instanceIndex, instanceCount)
		if !ok {
			return fmt.Errorf("route %s: unknown strategy %q", route.EventType, route.Strategy)
		}

		var enrichers []EnrichFunc
		for _, name := range route.Enrich {
			switch name {
			case EnricherMarketSession:
				if resolver == nil {
					resolver = utils.NewSessionResolver()
				}
				enrichers = append(enrichers, MarketSessionEnricher(resolver))
			default:
				return fmt.Errorf("route %s: unknown enricher %q", route.EventType, name)
			}
		}

		var enrich EnrichFunc
		if len(enrichers) > 0 {
			enrich = Chain(enrichers...)
		}
		r.RegisterRoutingRule(route.EventType, strategy, enrich)
	}
	return nil
}
