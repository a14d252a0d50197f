// Package retention runs the periodic janitor that enforces per-topic
// message retention policies and sweeps abandoned persistent subscriptions.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jrow/internal/persistent"
	"github.com/adred-codev/jrow/internal/store"
)

// Task periodically enforces retention on every registered topic and, if a
// persistent.Manager is configured with an inactivity timeout, sweeps
// abandoned subscriptions in the same tick -- both are periodic janitorial
// passes over the same durable store, so one scheduler serves both.
type Task struct {
	store    *store.Store
	manager  *persistent.Manager
	interval time.Duration
	logger   zerolog.Logger

	OnTopicDeleted func(topic string, deleted int)
}

func NewTask(s *store.Store, m *persistent.Manager, interval time.Duration, logger zerolog.Logger) *Task {
	return &Task{store: s, manager: m, interval: interval, logger: logger}
}

// Run blocks, ticking every t.interval, until ctx is cancelled.
func (t *Task) Run(ctx context.Context) {
	t.logger.Info().Dur("interval", t.interval).Msg("starting retention task")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.enforceOnce()
		case <-ctx.Done():
			t.logger.Info().Msg("retention task shutting down")
			return
		}
	}
}

func (t *Task) enforceOnce() {
	topics, err := t.store.Topics()
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to list topics for retention")
		return
	}

	totalDeleted := 0
	for _, topicName := range topics {
		deleted, err := t.store.DeleteOld(topicName)
		if err != nil {
			t.logger.Error().Err(err).Str("topic", topicName).Msg("failed to enforce retention policy")
			continue
		}
		if deleted > 0 {
			t.logger.Info().Str("topic", topicName).Int("deleted", deleted).Msg("enforced retention policy")
			totalDeleted += deleted
			if t.OnTopicDeleted != nil {
				t.OnTopicDeleted(topicName, deleted)
			}
		}
	}
	if totalDeleted > 0 {
		t.logger.Debug().Int("total_deleted", totalDeleted).Msg("retention enforcement completed")
	}

	if t.manager == nil {
		return
	}
	deleted, err := t.manager.CleanupInactive()
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to clean up inactive subscriptions")
		return
	}
	if len(deleted) > 0 {
		t.logger.Info().Strs("subscription_ids", deleted).Msg("cleaned up inactive subscriptions")
	}
}
