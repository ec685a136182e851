// Package admin provides admin-only endpoints for operating on stuck
// marketplace state: forcing an escrow sweep, running the repair pass
// for offers and orders that lost their follow-on writes, and basic
// platform stats.
package admin

import (
	"context"

	"github.com/karroolabs/karroo/internal/reconciliation"
)

// Reconciler runs the repair pass on demand.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// EscrowSweeper releases escrow holds whose release time has passed.
type EscrowSweeper interface {
	SweepDue(ctx context.Context, limit int) int
}

// StatsSource reports operational stats for the admin stats endpoint.
type StatsSource interface {
	PlatformStats(ctx context.Context) (map[string]any, error)
}
