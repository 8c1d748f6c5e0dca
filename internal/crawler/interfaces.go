package crawler

import "context"

// Crawler runs jobs against the shared runtime
type Crawler interface {
	Run(ctx context.Context, job Job) (RunStats, error)
	Close() error
}
