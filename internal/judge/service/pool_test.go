package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"kadai/internal/judge/service"
)

// waitHarvest polls the pool until n outcomes have been collected.
func waitHarvest(t *testing.T, pool *service.Pool, n int) []service.JobRecord {
	t.Helper()
	var out []service.JobRecord
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out = append(out, pool.Harvest()...)
		if len(out) >= n {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d outcomes, got %d", n, len(out))
	return nil
}

func TestPoolLimitsConcurrency(t *testing.T) {
	t.Parallel()

	pool := service.NewPool(2)
	release := make(chan struct{})
	block := func(context.Context) error {
		<-release
		return nil
	}

	if !pool.Submit(context.Background(), "job-1", block) {
		t.Fatal("first submit rejected")
	}
	if !pool.Submit(context.Background(), "job-2", block) {
		t.Fatal("second submit rejected")
	}
	if pool.Available() != 0 {
		t.Fatalf("expected no free workers, got %d", pool.Available())
	}
	if pool.Submit(context.Background(), "job-3", block) {
		t.Fatal("submit must fail on a full pool")
	}

	close(release)
	waitHarvest(t, pool, 2)
	if pool.Available() != 2 {
		t.Fatalf("expected all workers free, got %d", pool.Available())
	}
}

func TestPoolRejectsDuplicateKey(t *testing.T) {
	t.Parallel()

	pool := service.NewPool(4)
	release := make(chan struct{})
	if !pool.Submit(context.Background(), "submission-7", func(context.Context) error {
		<-release
		return nil
	}) {
		t.Fatal("first submit rejected")
	}
	if pool.Submit(context.Background(), "submission-7", func(context.Context) error { return nil }) {
		t.Fatal("duplicate key must be rejected while the job runs")
	}

	close(release)
	waitHarvest(t, pool, 1)
	if !pool.Submit(context.Background(), "submission-7", func(context.Context) error { return nil }) {
		t.Fatal("key must be reusable after completion")
	}
	waitHarvest(t, pool, 1)
}

func TestPoolHarvestReportsOutcomes(t *testing.T) {
	t.Parallel()

	pool := service.NewPool(2)
	boom := errors.New("judge failed")
	pool.Submit(context.Background(), "ok", func(context.Context) error { return nil })
	pool.Submit(context.Background(), "bad", func(context.Context) error { return boom })

	records := waitHarvest(t, pool, 2)
	byKey := make(map[string]service.JobRecord, len(records))
	for _, rec := range records {
		byKey[rec.Key] = rec
	}
	if err := byKey["ok"].Err; err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !errors.Is(byKey["bad"].Err, boom) {
		t.Fatalf("expected %v, got %v", boom, byKey["bad"].Err)
	}
	if byKey["ok"].SubmittedAt.IsZero() {
		t.Fatal("expected a submission timestamp")
	}
	if got := pool.Harvest(); len(got) != 0 {
		t.Fatalf("expected an empty second harvest, got %d records", len(got))
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	t.Parallel()

	pool := service.NewPool(1)
	pool.Submit(context.Background(), "panicky", func(context.Context) error {
		panic("segfault in judge")
	})

	records := waitHarvest(t, pool, 1)
	if records[0].Err == nil {
		t.Fatal("expected the panic surfaced as an error")
	}
	if !strings.Contains(records[0].Err.Error(), "segfault in judge") {
		t.Fatalf("panic message lost: %v", records[0].Err)
	}
	if pool.Available() != 1 {
		t.Fatalf("expected the worker freed, got %d", pool.Available())
	}
}

func TestPoolShutdownWaitsForJobs(t *testing.T) {
	t.Parallel()

	pool := service.NewPool(1)
	finished := make(chan struct{})
	pool.Submit(context.Background(), "slow", func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil
	})

	pool.Shutdown(true)
	select {
	case <-finished:
	default:
		t.Fatal("shutdown returned before the job finished")
	}
	if pool.Available() != 0 {
		t.Fatal("a shut down pool must report no free workers")
	}
	if pool.Submit(context.Background(), "late", func(context.Context) error { return nil }) {
		t.Fatal("submit must fail after shutdown")
	}
	if records := pool.Harvest(); len(records) != 1 {
		t.Fatalf("expected the outcome to stay harvestable, got %d", len(records))
	}
}

func TestNewPoolDefaultsSize(t *testing.T) {
	t.Parallel()

	if got := service.NewPool(0).Capacity(); got != service.DefaultPoolSize {
		t.Fatalf("expected %d workers, got %d", service.DefaultPoolSize, got)
	}
	if got := service.NewPool(8).Capacity(); got != 8 {
		t.Fatalf("expected 8 workers, got %d", got)
	}
}
