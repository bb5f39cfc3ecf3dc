// Package governor is a process-local permit pool that caps concurrent
// external processes such as headless browser captures.
//
//	g := governor.New(3)
//	permit, err := g.Acquire(ctx, 2*time.Minute)
//	if err != nil {
//	    return err // ErrAcquireTimeout is retryable
//	}
//	defer permit.Release()
package governor
