package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/speedrun-hq/dcarunner/pkg/gateway"
)

// awaitTerminal polls the gateway job every PollInterval until it succeeds or
// fails. Poll errors do not end the wait, the job may still complete on chain;
// only PollTimeout does.
func (p *Processor) awaitTerminal(ctx context.Context, orderID, handle string) (*gateway.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	var lastErr error
	polls := 0
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("job %s not terminal after %d polls (last error: %v): %w", handle, polls, lastErr, ctx.Err())
			}
			return nil, fmt.Errorf("job %s not terminal after %d polls: %w", handle, polls, ctx.Err())
		case <-ticker.C:
		}

		polls++
		status, err := p.gateway.Poll(ctx, handle)
		if err != nil {
			lastErr = err
			p.logger.DebugWithOrder(orderID, "Polling job %s failed: %v", handle, err)
			continue
		}

		if status.Terminal() {
			p.logger.DebugWithOrder(orderID, "Job %s is %s after %d polls", handle, status.Status, polls)
			return status, nil
		}
	}
}
