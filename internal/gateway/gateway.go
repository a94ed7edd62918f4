// Package gateway defines the single operation the watcher needs from a
// remote flag source and a few small implementations of it.
package gateway

import (
	"context"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
)

// Gateway fetches the complete flag mapping from a remote source.
//
// Each call is independent. Overlapping calls carry no ordering guarantee,
// and retry policy belongs to the implementation, never to its callers.
type Gateway interface {
	FetchAll(ctx context.Context) (domain.FlagMap, error)
}

// Func adapts a plain function to the Gateway interface.
type Func func(ctx context.Context) (domain.FlagMap, error)

// FetchAll calls f.
func (f Func) FetchAll(ctx context.Context) (domain.FlagMap, error) {
	return f(ctx)
}
