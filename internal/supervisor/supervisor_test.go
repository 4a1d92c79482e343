package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/nuxie/growth-core/internal/journeystore"
)

type fakeResumer struct {
	resumed []string
	fail    map[string]bool
}

func (f *fakeResumer) ResumeJourney(ctx context.Context, j *journeystore.Journey) error {
	if f.fail[j.ID] {
		return errTest
	}
	f.resumed = append(f.resumed, j.ID)
	return nil
}

var errTest = &testError{"resume failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestSweepResumesHungJourneys(t *testing.T) {
	store := journeystore.NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	_ = store.Save(context.Background(), &journeystore.Journey{ID: "j1", Status: journeystore.StatusPaused, ResumeAt: &past})

	resumer := &fakeResumer{}
	s := New(store, resumer, WithGracePeriod(0))

	if err := s.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(resumer.resumed) != 1 || resumer.resumed[0] != "j1" {
		t.Fatalf("expected j1 resumed, got %v", resumer.resumed)
	}
}

func TestSweepSkipsNonHungJourneys(t *testing.T) {
	store := journeystore.NewMemoryStore()
	future := time.Now().Add(time.Hour)
	_ = store.Save(context.Background(), &journeystore.Journey{ID: "j1", Status: journeystore.StatusPaused, ResumeAt: &future})

	resumer := &fakeResumer{}
	s := New(store, resumer, WithGracePeriod(0))
	_ = s.sweep(context.Background())

	if len(resumer.resumed) != 0 {
		t.Fatalf("expected no journeys resumed, got %v", resumer.resumed)
	}
}

func TestVerifyCompletionReportsStatus(t *testing.T) {
	store := journeystore.NewMemoryStore()
	_ = store.Save(context.Background(), &journeystore.Journey{ID: "j1", Status: journeystore.StatusCompleted})

	ok, err := VerifyCompletion(context.Background(), store, "j1")
	if err != nil || !ok {
		t.Fatalf("expected completed journey to verify true, got %v %v", ok, err)
	}

	ok2, err := VerifyCompletion(context.Background(), store, "missing")
	if err != nil || ok2 {
		t.Fatalf("expected missing journey to verify false, got %v %v", ok2, err)
	}
}

func TestVerifyCompletion(t *testing.T) {
	store := journeystore.NewMemoryStore()
	ctx := context.Background()

	done := &journeystore.Journey{ID: "done", Status: journeystore.StatusCompleted}
	_ = store.Save(ctx, done)
	ok, err := VerifyCompletion(ctx, store, "done")
	if err != nil || !ok {
		t.Fatalf("expected clean completion to verify, got %v %v", ok, err)
	}

	resume := time.Now().Add(time.Minute)
	dangling := &journeystore.Journey{
		ID: "dangling", Status: journeystore.StatusCompleted,
		PendingAfterDelay: []journeystore.PendingDelay{{InteractionID: "i1", ResumeAt: resume}},
	}
	_ = store.Save(ctx, dangling)
	ok, err = VerifyCompletion(ctx, store, "dangling")
	if err != nil || ok {
		t.Fatalf("expected dangling after-delay entries to fail verification, got %v %v", ok, err)
	}

	live := &journeystore.Journey{ID: "live", Status: journeystore.StatusActive}
	_ = store.Save(ctx, live)
	ok, err = VerifyCompletion(ctx, store, "live")
	if err != nil || ok {
		t.Fatalf("expected a live journey to fail verification, got %v %v", ok, err)
	}
}
