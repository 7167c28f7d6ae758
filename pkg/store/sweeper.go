package store

import (
	"context"
	"time"

	"github.com/privybridge/authbridge/internal/logger"
)

// Sweeper periodically purges expired, used or revoked rows from every
// repository in a Repositories bundle. It is the only background task
// owned by the authorization server.
type Sweeper struct {
	repos    *Repositories
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper constructs a Sweeper that purges repos every interval.
func NewSweeper(repos *Repositories, interval time.Duration) *Sweeper {
	return &Sweeper{
		repos:    repos,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in a new goroutine until Stop is called.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// sweepOnce calls every repository's purge method concurrently, logging
// (but not propagating) individual failures.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := time.Now()
	done := make(chan struct{}, 3)

	go func() {
		defer func() { done <- struct{}{} }()
		n, err := s.repos.AuthorizationCodes.PurgeExpiredOrUsed(ctx, now)
		if err != nil {
			logger.Errorw("sweep: purging authorization codes failed", "error", err)
			return
		}
		logger.Debugw("sweep: purged authorization codes", "count", n)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		n, err := s.repos.RefreshTokens.PurgeExpiredOrRevoked(ctx, now)
		if err != nil {
			logger.Errorw("sweep: purging refresh tokens failed", "error", err)
			return
		}
		logger.Debugw("sweep: purged refresh tokens", "count", n)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		n, err := s.repos.AccessTokenSessions.PurgeExpired(ctx, now)
		if err != nil {
			logger.Errorw("sweep: purging access token sessions failed", "error", err)
			return
		}
		logger.Debugw("sweep: purged access token sessions", "count", n)
	}()

	for i := 0; i < 3; i++ {
		<-done
	}
}
