package reputation

import (
	"context"
	"sync"
	"time"

	"jobmesh-backend/core/marketplace"
)

// MemoryStore keeps reputation state in memory behind one mutex. The applied
// set and the records map are guarded together so a duplicate update can
// never slip between the dedup check and the write.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]marketplace.ReputationRecord
	// applied holds "escrowID|subjectRef" pairs already folded in.
	applied map[string]struct{}
	badges  map[string][]marketplace.Badge // keyed by subject ref
	held    map[string]map[marketplace.BadgeType]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]marketplace.ReputationRecord),
		applied: make(map[string]struct{}),
		badges:  make(map[string][]marketplace.Badge),
		held:    make(map[string]map[marketplace.BadgeType]struct{}),
	}
}

func appliedKey(escrowID, subjectRef string) string {
	return escrowID + "|" + subjectRef
}

func (s *MemoryStore) ApplyUpdate(_ context.Context, subjectRef, escrowID string, apply func(*marketplace.ReputationRecord)) (bool, marketplace.ReputationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[subjectRef]
	if !ok {
		rec = *marketplace.NewReputationRecord(subjectRef, time.Now().UTC())
	}
	if _, dup := s.applied[appliedKey(escrowID, subjectRef)]; dup {
		return false, rec, nil
	}
	if apply != nil {
		apply(&rec)
	}
	s.records[subjectRef] = rec
	s.applied[appliedKey(escrowID, subjectRef)] = struct{}{}
	return true, rec, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, subjectRef string) (marketplace.ReputationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subjectRef]
	if !ok {
		return *marketplace.NewReputationRecord(subjectRef, time.Now().UTC()), nil
	}
	return rec, nil
}

func (s *MemoryStore) IssueBadge(_ context.Context, badge marketplace.Badge) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	types, ok := s.held[badge.SubjectRef]
	if !ok {
		types = make(map[marketplace.BadgeType]struct{})
		s.held[badge.SubjectRef] = types
	}
	if _, dup := types[badge.Type]; dup {
		return false, nil
	}
	types[badge.Type] = struct{}{}
	s.badges[badge.SubjectRef] = append(s.badges[badge.SubjectRef], badge)
	return true, nil
}

func (s *MemoryStore) ListBadges(_ context.Context, subjectRef string) ([]marketplace.Badge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	badges := s.badges[subjectRef]
	out := make([]marketplace.Badge, len(badges))
	copy(out, badges)
	return out, nil
}

// Close implements Store; nothing to close for memory.
func (s *MemoryStore) Close() {}
