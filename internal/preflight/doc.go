// Package preflight checks that jurisscope can index and search with the
// loaded configuration before any documents are touched.
//
// The checks cover:
//   - configuration validity
//   - data directory write access and free disk space (local backend)
//   - the open file limit (local backend)
//   - chunk store reachability
//   - embedding provider reachability and vector dimensions
//   - tokenizer encoding availability
//   - generator credentials when answer generation is enabled
//
// Use the Checker type to run them all:
//
//	checker := preflight.New(cfg, preflight.WithConfigError(cfgErr))
//	results := checker.RunAll(ctx)
//	if preflight.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
