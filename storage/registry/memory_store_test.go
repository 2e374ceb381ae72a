package registry

import (
	"context"
	"testing"
	"time"

	"jobmesh-backend/core/marketplace"
)

func newOpenJob(id string) marketplace.Job {
	now := time.Now().UTC()
	return marketplace.Job{
		JobID:      id,
		Title:      "Write docs",
		BudgetSats: 100,
		Status:     marketplace.JobOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryStoreCreateJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateJob(ctx, newOpenJob("JOB-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(ctx, newOpenJob("JOB-1")); err != ErrJobExists {
		t.Errorf("duplicate create = %v, want %v", err, ErrJobExists)
	}
	if _, err := s.GetJob(ctx, "JOB-1"); err != nil {
		t.Errorf("get: %v", err)
	}
	if _, err := s.GetJob(ctx, "JOB-404"); err != ErrJobNotFound {
		t.Errorf("get missing = %v, want %v", err, ErrJobNotFound)
	}
}

func TestMemoryStoreTransitionJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateJob(ctx, newOpenJob("JOB-1"))

	t.Run("legal transition applies mutate atomically", func(t *testing.T) {
		job, err := s.TransitionJob(ctx, "JOB-1", marketplace.JobOpen, marketplace.JobAssigned, func(j *marketplace.Job) {
			j.AssignedWorker = "agent://worker-1"
			j.AcceptedPrice = 90
		})
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if job.Status != marketplace.JobAssigned || job.AssignedWorker != "agent://worker-1" {
			t.Errorf("job after transition = %+v", job)
		}
	})

	t.Run("stale from is rejected", func(t *testing.T) {
		if _, err := s.TransitionJob(ctx, "JOB-1", marketplace.JobOpen, marketplace.JobAssigned, nil); err != ErrBadTransition {
			t.Errorf("replayed transition = %v, want %v", err, ErrBadTransition)
		}
	})

	t.Run("illegal edge is rejected even with matching from", func(t *testing.T) {
		if _, err := s.TransitionJob(ctx, "JOB-1", marketplace.JobAssigned, marketplace.JobCompleted, nil); err != ErrBadTransition {
			t.Errorf("skip-ahead transition = %v, want %v", err, ErrBadTransition)
		}
	})

	t.Run("missing job", func(t *testing.T) {
		if _, err := s.TransitionJob(ctx, "JOB-404", marketplace.JobOpen, marketplace.JobAssigned, nil); err != ErrJobNotFound {
			t.Errorf("missing job transition = %v, want %v", err, ErrJobNotFound)
		}
	})
}

func TestMemoryStoreAppendOffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateJob(ctx, newOpenJob("JOB-1"))

	offer := marketplace.Offer{OfferID: "OFFER-1", JobID: "JOB-1", WorkerRef: "agent://worker-1", PriceSats: 90, CreatedAt: time.Now()}
	if err := s.AppendOffer(ctx, offer); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Redelivered bid: same offer id is absorbed.
	if err := s.AppendOffer(ctx, offer); err != nil {
		t.Errorf("duplicate append = %v, want nil", err)
	}
	offers, _ := s.ListOffers(ctx, "JOB-1")
	if len(offers) != 1 {
		t.Errorf("offers = %d, want 1", len(offers))
	}

	if _, err := s.GetOffer(ctx, "JOB-1", "OFFER-1"); err != nil {
		t.Errorf("get offer: %v", err)
	}
	if _, err := s.GetOffer(ctx, "JOB-1", "OFFER-404"); err != ErrOfferNotFound {
		t.Errorf("missing offer = %v, want %v", err, ErrOfferNotFound)
	}

	s.TransitionJob(ctx, "JOB-1", marketplace.JobOpen, marketplace.JobAssigned, nil)
	late := marketplace.Offer{OfferID: "OFFER-2", JobID: "JOB-1", WorkerRef: "agent://worker-2", PriceSats: 80}
	if err := s.AppendOffer(ctx, late); err != ErrJobNotOpen {
		t.Errorf("offer on assigned job = %v, want %v", err, ErrJobNotOpen)
	}
}

func TestMemoryStoreListJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateJob(ctx, newOpenJob("JOB-1"))
	s.CreateJob(ctx, newOpenJob("JOB-2"))
	job3 := newOpenJob("JOB-3")
	job3.RequiredSkills = []string{"golang"}
	s.CreateJob(ctx, job3)
	s.TransitionJob(ctx, "JOB-2", marketplace.JobOpen, marketplace.JobAssigned, nil)

	open, err := s.ListJobs(ctx, marketplace.JobFilter{Status: marketplace.JobOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("open jobs = %d, want 2", len(open))
	}

	skilled, _ := s.ListJobs(ctx, marketplace.JobFilter{Skills: []string{"GoLang"}})
	if len(skilled) != 1 || skilled[0].JobID != "JOB-3" {
		t.Errorf("skill filter returned %+v", skilled)
	}

	limited, _ := s.ListJobs(ctx, marketplace.JobFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored, got %d", len(limited))
	}
}
