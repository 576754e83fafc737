package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/appctx"
	"github.com/fleetkit/agentfleet/internal/persistence"
)

// saveTimeout bounds the detached snapshot save issued on Stop.
const saveTimeout = 5 * time.Second

// SetStore attaches a Persistence Layer store; every Session the Engine
// creates afterward has its final state snapshotted on Stop. A nil store
// (the default) makes Stop a pure in-memory lifecycle transition.
func (e *Engine) SetStore(store *persistence.Store) { e.store = store }

// persistOnStop saves a Record capturing the session's terminal state. It
// runs against a context detached from the caller's Stop call so a caller
// that cancels immediately after Stop returns doesn't truncate the save.
func (s *Session) persistOnStop() {
	if s.engine == nil || s.engine.store == nil {
		return
	}

	never := make(chan struct{})
	ctx, cancel := appctx.Detached(context.Background(), never, saveTimeout)
	defer cancel()

	rec := persistence.Record{
		State: persistence.SessionState{
			ID:           s.id,
			Status:       string(s.Status()),
			WorkingDir:   s.cfg.WorkingDirectory,
			Command:      s.cfg.Command,
			Environment:  s.cfg.Env,
			PtyRows:      s.cfg.PtySize.Rows,
			PtyCols:      s.cfg.PtySize.Cols,
			CreatedAt:    s.createdAt,
			LastActivity: s.lastActiv,
			Metadata:     s.Info().Metadata,
		},
		OutputTail: s.buffer.bytes(),
	}
	if s.context != nil {
		rec.Context = persistence.ContextStateFrom(s.id, s.context, s.cfg.ContextMaxTokens, s.cfg.CompressionThreshold)
	}

	if err := s.engine.store.Save(ctx, rec); err != nil {
		s.log.Warn("failed to persist session snapshot on stop", zap.Error(err))
	}
}
