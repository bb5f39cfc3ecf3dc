// Package dlq is the operator surface for DEAD jobs.
//
// A job becomes DEAD when its handler fails permanently, when it runs out
// of attempts, or when its last attempt is abandoned by a lost worker.
// DEAD jobs stay in the job store with their payload, last error and
// attempt count. [Service] lists them, replays one as a fresh pending job
// and purges old ones:
//
//	svc := dlq.NewService(store)
//	entries, _ := svc.List(ctx, dlq.ListOpts{Limit: 50})
//	fresh, _ := svc.Replay(ctx, entries[0].JobID)
//	svc.Purge(ctx, time.Now().AddDate(0, 0, -30))
package dlq
