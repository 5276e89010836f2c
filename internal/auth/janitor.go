package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const DefaultTokenCleanupInterval = time.Hour

// StartJanitor purges expired tokens every interval until ctx is done. The
// returned channel is closed once the loop has exited.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.cleanupLoop(ctx, interval)
	}()
	return done
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warn("purge expired tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired tokens purged", zap.Int64("count", n))
			}
		}
	}
}

// PurgeExpired deletes every token whose expiry has passed.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return n, nil
}
