// Package writer linearizes all cache mutations. Producers from any
// goroutine enqueue tagged jobs; a single worker drains them in FIFO order
// against the persistent store, re-checking the session guard at execution
// time so jobs from a stale session never apply.
package writer

import (
	"context"
	"sync"
	"time"

	"github.com/pmaia/chatvault/internal/session"
	"github.com/pmaia/chatvault/internal/store"
	"go.uber.org/zap"
)

// Store is the mutation surface the serializer drives. *store.DB satisfies it.
type Store interface {
	UpsertMessages(scope store.Scope, channelID string, msgs []*store.Message) (int, error)
	UpsertUsers(scope store.Scope, users []*store.User) (int, error)
	UpdateChannelSummary(scope store.Scope, channelID string) error
	UpdateMessage(scope store.Scope, id, channelID, content string, editedAt int64) error
	UpdateMessageByID(scope store.Scope, id, content string, editedAt int64) error
	DeleteMessage(scope store.Scope, id, channelID string) error
	DeleteMessageByID(scope store.Scope, id string) error
	PurgeOlderThan(retention time.Duration) (store.PurgeResult, error)
}

// Serializer is the multiple-producer/single-consumer mutation queue.
type Serializer struct {
	guard     *session.Guard
	db        Store
	logger    *zap.Logger
	onApplied func(Job) // invoked after a job successfully applied; may be nil

	mu       sync.Mutex
	queue    []Job
	draining bool
	idle     chan struct{} // closed whenever the queue is drained
}

// New creates a serializer. onApplied is called from the worker goroutine
// after each successfully applied job; pass nil if not needed.
func New(guard *session.Guard, db Store, onApplied func(Job), logger *zap.Logger) *Serializer {
	idle := make(chan struct{})
	close(idle)
	return &Serializer{
		guard:     guard,
		db:        db,
		logger:    logger,
		onApplied: onApplied,
		idle:      idle,
	}
}

// Enqueue appends a job and starts the worker if it is not already draining.
// Jobs enqueued while the guard is invalidated are dropped silently; callers
// never need to check session state themselves. Returns whether the job was
// accepted.
func (s *Serializer) Enqueue(j Job) bool {
	if s.guard.IsInvalidated() && !j.Scope().Zero() {
		return false
	}

	s.mu.Lock()
	s.queue = append(s.queue, j)
	if !s.draining {
		s.draining = true
		s.idle = make(chan struct{})
		go s.drain()
	}
	s.mu.Unlock()
	return true
}

// Flush blocks until every currently queued job has been executed or ctx
// expires. Jobs not completed within the deadline stay queued; the session
// invalidation that usually follows will drop them.
func (s *Serializer) Flush(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DropPending discards all not-yet-executed jobs. The job currently being
// executed, if any, is allowed to finish.
func (s *Serializer) DropPending() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Info("dropped pending cache jobs", zap.Int("count", dropped))
	}
}

// Pending returns the number of queued, not-yet-executed jobs.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Serializer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			close(s.idle)
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(j)
	}
}

func (s *Serializer) execute(j Job) {
	// Re-check at execution time, not enqueue time: a session switch may
	// have happened while this job sat in the queue.
	scope := j.Scope()
	if !scope.Zero() && !s.guard.Matches(scope.UserID, scope.Endpoint) {
		s.logger.Debug("skipping job for stale session", zap.String("user_id", scope.UserID))
		return
	}

	var err error
	switch job := j.(type) {
	case InsertMessages:
		if len(job.Users) > 0 {
			if _, uerr := s.db.UpsertUsers(scope, job.Users); uerr != nil {
				s.logger.Error("upsert users failed", zap.Error(uerr))
			}
		}
		// A users-only batch carries no channel; skip the summary then.
		if job.ChannelID != "" {
			if _, err = s.db.UpsertMessages(scope, job.ChannelID, job.Messages); err == nil {
				err = s.db.UpdateChannelSummary(scope, job.ChannelID)
			}
		}
	case UpdateMessage:
		if err = s.db.UpdateMessage(scope, job.ID, job.ChannelID, job.Content, job.EditedAt); err == nil {
			err = s.db.UpdateChannelSummary(scope, job.ChannelID)
		}
	case UpdateMessageByID:
		err = s.db.UpdateMessageByID(scope, job.ID, job.Content, job.EditedAt)
	case DeleteMessage:
		if job.ChannelID == "" {
			err = s.db.DeleteMessageByID(scope, job.ID)
		} else if err = s.db.DeleteMessage(scope, job.ID, job.ChannelID); err == nil {
			err = s.db.UpdateChannelSummary(scope, job.ChannelID)
		}
	case Purge:
		_, err = s.db.PurgeOlderThan(job.Retention)
	default:
		s.logger.Error("unknown job type")
		return
	}

	if err != nil {
		s.logger.Error("cache job failed", zap.Error(err))
		return
	}
	if s.onApplied != nil {
		s.onApplied(j)
	}
}
