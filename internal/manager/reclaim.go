package manager

import (
	"context"
	"time"

	"github.com/seantiz/sandboxd/internal/model"
)

func (m *Manager) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reclaim(ctx)
		}
	}
}

// Reclaim runs one reclamation pass and returns how many contexts it
// deleted. Contexts in error or stopped status are deleted once they have
// not changed for ErrorGrace; any context is deleted once it is older than
// MaxAge.
func (m *Manager) Reclaim(ctx context.Context) int {
	reclaimPassesTotal.Inc()
	now := m.now()

	reclaimed := 0
	for _, id := range m.ids() {
		if ctx.Err() != nil {
			break
		}
		b, err := m.GetContext(id)
		if err != nil {
			continue
		}

		info := b.Info()
		reason := ""
		switch {
		case now.Sub(info.CreatedAt) > m.opts.MaxAge:
			reason = reasonMaxAge
		case (info.Status == model.StatusError || info.Status == model.StatusStopped) &&
			now.Sub(info.UpdatedAt) > m.opts.ErrorGrace:
			reason = reasonStale
		default:
			continue
		}

		m.logger.Info("reclaiming context",
			"context_id", id,
			"status", info.Status,
			"reason", reason,
			"age", now.Sub(info.CreatedAt).Round(time.Second).String(),
		)
		if !m.DeleteContext(ctx, id) {
			m.logger.Warn("reclaim incomplete", "context_id", id)
		}
		contextsReclaimedTotal.WithLabelValues(reason).Inc()
		reclaimed++
	}

	if reclaimed > 0 {
		m.logger.Info("reclamation pass done", "reclaimed", reclaimed)
	}
	return reclaimed
}
