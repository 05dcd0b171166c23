package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// Pool supervises one Loop per (zone, egress-IP) pair under a single
// errgroup, matching the teacher's worker_pool.go supervisor: any Loop
// returning an error (a fatal queue-command failure) cancels the whole
// group, since a worker that can no longer talk to the queue authority
// can't be trusted to keep running alone.
type Pool struct {
	logger *slog.Logger
}

// NewPool builds a Pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{logger: logger}
}

// Run starts one Loop per egress address in each zone (or one Loop for
// the whole zone when it has no configured address pool), and blocks
// until ctx is cancelled or any Loop returns a fatal error.
func (p *Pool) Run(ctx context.Context, zones []*delivery.Zone, newLoop func(zone *delivery.Zone) *Loop) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, zone := range zones {
		zone := zone
		workers := len(zone.Addresses)
		if workers == 0 {
			workers = zone.Workers
		}
		if workers == 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			i := i
			g.Go(func() error {
				loop := newLoop(zone)
				if err := loop.Run(ctx); err != nil {
					p.logger.Error("worker exited", "zone", zone.Name, "worker", i, "err", err)
					return err
				}
				return nil
			})
		}
	}

	return g.Wait()
}
