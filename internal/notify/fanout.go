package notify

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
)

// FanOut dispatches one rendered message to every target concurrently. A
// failing target never cancels the others; results are joined before the
// caller writes history. Returns how many targets were attempted and how
// many ultimately failed after retries.
func (s *Sender) FanOut(ctx context.Context, targets []alerting.Target, msg *Message) (attempted, failed int) {
	if len(targets) == 0 {
		return 0, 0
	}

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			if _, err := s.Send(gctx, target, msg); err != nil {
				failures.Add(1)
			}
			return nil // errors are counted, not propagated, so siblings keep going
		})
	}
	_ = g.Wait()

	return len(targets), int(failures.Load())
}
