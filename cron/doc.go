// Package cron runs housekeeping on a schedule inside the worker process.
//
// A [Scheduler] wraps robfig/cron with two kinds of entries:
//
//   - a [Task] is an in-process action such as the stuck-job scan
//     ([StuckScan]), the monthly budget close ([BudgetReconcile]) or the
//     dead job purge ([DeadPurge]);
//   - a [JobDefinition] enqueues a job each time it fires, for example an
//     hourly feed.refresh.
//
// There is no leader election. Each worker process runs its own scheduler,
// so tasks are written to be safe when several processes fire them at
// once: the stuck requeue is a compare-and-set on locked_at and purges are
// idempotent deletes. Overlapping runs of one entry within a process are
// skipped.
//
//	s := cron.NewScheduler(enqueue, logger)
//	_ = s.AddTask(cron.StuckScan(pool, time.Minute))
//	_ = s.AddJob(cron.JobDefinition{
//	    Name: "feeds", Schedule: "@hourly", JobType: "feed.refresh",
//	})
//	_ = s.Start(ctx)
package cron
