package workspace

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunJanitor prunes expired history for every user on each tick until ctx
// is cancelled.
func RunJanitor(ctx context.Context, h *History, interval time.Duration, logger *logrus.Logger) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.PruneAll(logger)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PruneAll prunes the history of every user that has one.
func (h *History) PruneAll(logger *logrus.Logger) {
	users, err := h.ws.HistoryUsers()
	if err != nil {
		logger.Warnf("history janitor: %v", err)
		return
	}
	for _, id := range users {
		_, removed, err := h.Prune(id)
		if err != nil {
			logger.WithField("user_id", id).Warnf("history prune: %v", err)
			continue
		}
		if removed > 0 {
			logger.WithField("user_id", id).Infof("pruned %d expired history files", removed)
		}
	}
}
