// Package engine wires all Dispatch subsystems together and provides
// the application-level API for registering and enqueuing work and for
// querying budget and queue state.
//
// The engine package exists to break a fundamental import cycle: the root
// dispatch package defines Config, Entity and the sentinel errors
// (imported by job, dlq, store, etc.) and therefore cannot import those
// packages back. Engine sits above all subsystem packages and below the
// application layer.
//
// # Building an Engine
//
//	d, err := dispatch.New(
//	    dispatch.WithConfig(cfg),
//	    dispatch.WithStore(pgStore),
//	    dispatch.WithLogger(logger),
//	)
//
//	eng, err := engine.Build(d,
//	    engine.WithMetricsRegisterer(prometheus.DefaultRegisterer),
//	    engine.WithTagging(tagger, contentStore),
//	    engine.WithScreenshots(capture.Chromium("", 1280, 800), siteStore),
//	)
//
// # Registering Work
//
//	engine.Register(eng, job.NewDefinition("feed.refresh", refreshFeed,
//	    job.WithQueue(queue.Low),
//	    job.WithMaxAttempts(5),
//	))
//
// # Producing Work
//
//	jobID, err := eng.Enqueue(ctx, "feed.refresh", "", job.Payload{"source_id": 7}, nil)
//
// # Querying State
//
//	report, _ := eng.BudgetState(ctx, budget.MonthOf(time.Now()))
//	depths, _ := eng.QueueDepths(ctx)
//	dead, _ := eng.DeadJobs(ctx, dlq.ListOpts{Limit: 50})
package engine
