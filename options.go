package dispatch

import "log/slog"

// Option configures a Dispatcher before engine.Build runs.
type Option func(*Dispatcher) error

// WithConfig replaces the whole configuration, usually with the result
// of config.Load.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) error {
		d.config = cfg
		return nil
	}
}

// WithQueues narrows the process to the named queues, so one deployment
// can run only the screenshot lane and another everything else. Listed
// queues keep their configured concurrency or get 1.
//
// Apply it after WithConfig. It reads the queue map already set.
func WithQueues(queues []string) Option {
	return func(d *Dispatcher) error {
		next := make(map[string]QueueConfig, len(queues))
		for _, q := range queues {
			qc, ok := d.config.Queues[q]
			if !ok {
				qc = QueueConfig{Concurrency: 1}
			}
			next[q] = qc
		}
		d.config.Queues = next
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithStore sets the backend. engine.Build rejects a store that does not
// also satisfy store.Store.
func WithStore(s Storer) Option {
	return func(d *Dispatcher) error {
		d.store = s
		return nil
	}
}
