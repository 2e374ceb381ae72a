package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"jobmesh-backend/core/marketplace"
)

// MemoryStore holds registry state in memory with a single RWMutex. One lock
// across both maps keeps job transitions and offer appends atomic relative to
// each other.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]marketplace.Job
	offers map[string][]marketplace.Offer // keyed by job id, append-only
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]marketplace.Job),
		offers: make(map[string][]marketplace.Offer),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job marketplace.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return ErrJobExists
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (marketplace.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return marketplace.Job{}, ErrJobNotFound
	}
	return job, nil
}

func containsSkill(all []string, skills []string) bool {
	if len(skills) == 0 {
		return true
	}
	for _, want := range skills {
		for _, have := range all {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) ListJobs(_ context.Context, filter marketplace.JobFilter) ([]marketplace.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]marketplace.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if len(filter.Skills) > 0 && !containsSkill(job.RequiredSkills, filter.Skills) {
			continue
		}
		out = append(out, job)
	}
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		start = len(out)
	}
	end := start + filter.Limit
	if filter.Limit == 0 || end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, jobID string, from, to marketplace.JobStatus, mutate func(*marketplace.Job)) (marketplace.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return marketplace.Job{}, ErrJobNotFound
	}
	if job.Status != from || !from.CanTransitionTo(to) {
		return marketplace.Job{}, ErrBadTransition
	}
	if mutate != nil {
		mutate(&job)
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return job, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, jobID string, mutate func(*marketplace.Job)) (marketplace.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return marketplace.Job{}, ErrJobNotFound
	}
	if mutate != nil {
		mutate(&job)
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return job, nil
}

func (s *MemoryStore) AppendOffer(_ context.Context, offer marketplace.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[offer.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != marketplace.JobOpen {
		return ErrJobNotOpen
	}
	for _, existing := range s.offers[offer.JobID] {
		if existing.OfferID == offer.OfferID {
			return nil // redelivered bid, already recorded
		}
	}
	s.offers[offer.JobID] = append(s.offers[offer.JobID], offer)
	return nil
}

func (s *MemoryStore) ListOffers(_ context.Context, jobID string) ([]marketplace.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offers := s.offers[jobID]
	out := make([]marketplace.Offer, len(offers))
	copy(out, offers)
	return out, nil
}

func (s *MemoryStore) GetOffer(_ context.Context, jobID, offerID string) (marketplace.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, offer := range s.offers[jobID] {
		if offer.OfferID == offerID {
			return offer, nil
		}
	}
	return marketplace.Offer{}, ErrOfferNotFound
}

// Close implements Store; nothing to close for memory.
func (s *MemoryStore) Close() {}
