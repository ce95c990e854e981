// Package metrics defines the Prometheus instrumentation of canister calls,
// gateway requests and storage.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce registers c with the default registry. Constructors run once
// per component, so a collector that is already registered under the same
// name is returned in place of c.
func registerOnce[C prometheus.Collector](c C) C {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}
	are := prometheus.AlreadyRegisteredError{}
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}
