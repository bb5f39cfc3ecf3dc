// Package ext defines the extension system for Dispatch.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, paging an operator or writing an audit trail. Each
// hook is a separate interface so extensions opt in only to the events
// they care about.
//
//	type pager struct{}
//
//	func (pager) Name() string { return "pager" }
//
//	func (pager) OnJobDead(ctx context.Context, j *job.Job, err error) error {
//	    return page(ctx, "job %s (%s) is dead: %v", j.ID, j.Type, err)
//	}
//
// # Job hooks
//
//   - [JobEnqueued]: job was persisted as pending
//   - [JobStarted]: worker began executing the job
//   - [JobCompleted]: job finished successfully
//   - [JobRetrying]: job failed and was rescheduled
//   - [JobDeferred]: handler postponed the job without failing
//   - [JobDead]: job exhausted its attempts or failed permanently
//   - [JobRecovered]: reaper requeued a job from a lost worker
//
// # Other hooks
//
//   - [BandChanged]: AI budget crossed an admission threshold
//   - [Shutdown]: the dispatcher is shutting down gracefully
//
// Hook errors are logged and never propagated.
package ext
