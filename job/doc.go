// Package job defines the job record, its state machine, typed
// definitions, the type registry and the store contract.
//
// # Job Record
//
// A [Job] is one unit of persisted work. It embeds [dispatch.Entity] for
// timestamps, carries a JSON object payload and moves through:
//
//	pending → running → completed
//	pending → running → failed → pending (retry at a later scheduled_at)
//	pending → running → dead
//	pending → running → pending (budget deferral, shutdown release, reaper)
//
// A claim increments Attempts, so a worker that crashes mid-run still
// spends the attempt. Deferrals and shutdown releases hand it back.
// Attempts never exceeds MaxAttempts and dead is terminal.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload map is decoded into
// the handler's struct by its json tags:
//
//	var Tag = job.NewDefinition("ai.tag",
//	    func(ctx context.Context, jobID id.JobID, in TagInput) (job.Result, error) {
//	        ...
//	        return job.OK(), nil
//	    },
//	    job.WithMaxAttempts(5),
//	)
//
// A handler signals a permanent failure with [Fatal]. Budget outcomes are
// returned as a [Result] with a [ResultCode], never as errors.
//
// # Registry
//
// [Registry] maps job types to type-erased [HandlerFunc] values and the
// retry policy bound at registration:
//
//	job.RegisterDefinition(registry, Tag)
package job
