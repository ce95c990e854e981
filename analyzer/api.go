// Package analyzer defines the workers that copy canister data into storage.
package analyzer

import (
	"context"
)

// Analyzer is a long-running worker that mirrors canister data.
type Analyzer interface {
	// Start runs the analyzer until ctx is done.
	Start(ctx context.Context)

	// Name returns the name of the analyzer.
	Name() string
}
