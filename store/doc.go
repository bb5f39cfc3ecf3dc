// Package store names the composite persistence contract. [job.Store]
// and [budget.Store] are defined next to the code that uses them; a
// backend implements both.
//
// Backends:
//
//   - store/memory keeps everything in process. Tests use it as the
//     double for the worker and the engine.
//   - store/postgres is the production backend. It is the only one whose
//     claims are safe across processes.
//
// Run migrations once per deploy, either from code or with
// `dispatchd migrate`:
//
//	s, err := postgres.New(ctx, cfg.DatabaseURL)
//	if err != nil {
//	    return err
//	}
//	if err := s.Migrate(ctx); err != nil {
//	    return err
//	}
package store
