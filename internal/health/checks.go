package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxline-ai/voxline/internal/cache"
	"github.com/voxline-ai/voxline/internal/carrier"
	"github.com/voxline-ai/voxline/internal/resilience"
)

// ProvidersChecker reports ready while at least one synthesis provider is
// healthy. A degraded set is still ready; total provider loss is not.
func ProvidersChecker(ctrl *resilience.Controller) Checker {
	return Checker{
		Name: "providers",
		Check: func(_ context.Context) error {
			for _, h := range ctrl.HealthSnapshot() {
				if h.IsHealthy {
					return nil
				}
			}
			return errors.New("no healthy synthesis provider")
		},
	}
}

// CacheChecker pings every cache tier. Tier outages degrade the cache
// silently at request time, so only total tier loss fails the check.
func CacheChecker(c *cache.Cache) Checker {
	return Checker{
		Name: "cache",
		Check: func(ctx context.Context) error {
			results := c.Health(ctx)
			if len(results) == 0 {
				return nil
			}
			var firstErr error
			for tier, err := range results {
				if err == nil {
					return nil
				}
				if firstErr == nil {
					firstErr = fmt.Errorf("tier %s: %w", tier, err)
				}
			}
			return firstErr
		},
	}
}

// CarrierChecker verifies the carrier API answers.
func CarrierChecker(client *carrier.Client) Checker {
	return Checker{
		Name: "carrier",
		Check: func(ctx context.Context) error {
			return client.Ping(ctx)
		},
	}
}
