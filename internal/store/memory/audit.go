package memory

import (
	"context"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	db *DB
}

// Log appends an audit entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := make(map[string]any, len(detail))
	for k, v := range detail {
		cp[k] = v
	}
	s.db.audit = append(s.db.audit, domain.AuditEntry{
		ID:        int64(len(s.db.audit) + 1),
		Event:     event,
		Detail:    cp,
		CreatedAt: s.db.now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		if e := s.db.audit[i]; inRange(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	lo, hi := page(len(out), opts)
	return out[lo:hi], nil
}
