package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces the retention policy: terminal jobs older than the
// retention window are dropped together with their ledger (events cascade on
// the jobs FK). Running and queued rows are never touched.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs past the retention window plus the
// messages of conversations no remaining job references.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at < $1
		  AND status IN ('succeeded','failed','aborted')
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	deletedJobs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM conversations
		WHERE created_at < $1
		  AND id NOT IN (SELECT conversation_id FROM jobs WHERE conversation_id IS NOT NULL)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.conversations: %w", err)
	}
	deletedConversations := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_conversations", deletedConversations),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup loop until ctx is done.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
