package flagwatch

import (
	"context"

	"github.com/OrlandoBitencourt/flagwatch/internal/watch"
)

// serviceAdapter exposes the client to the admin and webhook servers
type serviceAdapter struct {
	client *Client
}

func (a *serviceAdapter) Flags(ctx context.Context, force bool) (FlagMap, error) {
	return a.client.Flags(ctx, force)
}

func (a *serviceAdapter) Flag(ctx context.Context, name string, force bool) (bool, error) {
	return a.client.GetFlag(ctx, name, force)
}

func (a *serviceAdapter) Refresh(ctx context.Context) error {
	return a.client.Refresh(ctx)
}

func (a *serviceAdapter) Subscriptions() []watch.SubscriptionInfo {
	return a.client.Subscriptions()
}

func (a *serviceAdapter) Stats() interface{} {
	return a.client.Stats()
}

func (a *serviceAdapter) Health(ctx context.Context) error {
	if a.client.closed.Load() {
		return ErrClosed
	}
	if hc, ok := a.client.gateway.(healthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
