package ledger

import (
	"context"
	"time"

	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/logger"
)

// Sweep deletes every pending operation the policy considers stale
// and returns how many were removed.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired [][]byte

	err := l.store.db.Scan(ctx, []byte{prefixPending}, func(key, value []byte) error {
		op, err := coordinator.DecodePendingOperation(value)
		if err != nil {
			logger.Warn("skipping undecodable pending record", "key", key, "error", err)
			return nil
		}

		if l.stale(op) {
			expired = append(expired, key)
		}

		return nil
	})
	if err != nil {
		return 0, errs.Unavailable("storage scan", err)
	}

	for _, key := range expired {
		if err := l.store.delete(ctx, key); err != nil {
			return 0, err
		}
	}

	l.metrics.AddSwept(len(expired))

	return len(expired), nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()

			n, err := l.Sweep(ctx)
			if err != nil {
				logger.Warn("sweep failed", "error", err)
				continue
			}

			if n > 0 {
				logger.Info("swept stale operations", "count", n, logger.Timed(start))
			}
		}
	}
}
