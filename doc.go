// Package dispatch is the background job core of the platform. It runs
// feed refresh, AI tagging, screenshot capture and other deferred work
// from persisted queues.
//
// Three subsystems make up the core:
//
//   - a job dispatcher with per-queue polling loops, atomic claims and
//     retry/backoff (packages job, worker, backoff, queue);
//   - an AI spend ledger and admission controller that throttles
//     budget-sensitive work by threshold band (packages budget, admission);
//   - a concurrency governor bounding external capture processes
//     (packages governor, capture).
//
// # Quick Start
//
//	d, err := dispatch.New(
//	    dispatch.WithStore(pgStore),
//	    dispatch.WithLogger(logger),
//	)
//	eng, err := engine.Build(d,
//	    engine.WithTagging(tagger, contentSink),
//	    engine.WithScreenshots(capture.Chromium("", 1280, 800), imageSink),
//	)
//	_ = eng.Start(ctx)
//
// # Architecture
//
// Each subsystem defines its own store interface (job.Store,
// budget.Store). A single backend implements all of them. The engine
// package sits above the subsystems and wires them together.
//
// All entity IDs are prefix-qualified, K-sortable UUIDv7 values such as
// "job_0192f3c7-...".
package dispatch
