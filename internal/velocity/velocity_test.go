package velocity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type failingCache struct {
	*cache.LRUCache
}

func (failingCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestVelocityService(t *testing.T) {
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	svc := NewService(lru, time.Hour)
	ctx := context.Background()

	sub := domain.Submission{
		"company_name": "Acme LLC",
		"email":        "ops@acme.io",
		"tax_id":       "12-3456789",
	}

	t.Run("FirstSubmission", func(t *testing.T) {
		count, err := svc.Record(ctx, sub)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 1 {
			t.Errorf("expected count 1, got %d", count)
		}
	})

	t.Run("Resubmission", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, _ = svc.Record(ctx, sub)
		}
		count, err := svc.Record(ctx, sub)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}
	})

	t.Run("SharedTaxIDCounts", func(t *testing.T) {
		other := domain.Submission{
			"company_name": "Totally Different Inc",
			"email":        "new@other.io",
			"tax_id":       " 12-3456789 ",
		}
		count, err := svc.Record(ctx, other)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 6 {
			t.Errorf("expected tax id count 6, got %d", count)
		}
	})

	t.Run("NoIdentity", func(t *testing.T) {
		count, err := svc.Record(ctx, domain.Submission{"industry": "Retail"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0, got %d", count)
		}
	})

	t.Run("CacheFailure", func(t *testing.T) {
		broken := NewService(failingCache{lru}, time.Hour)
		if _, err := broken.Record(ctx, sub); err == nil {
			t.Error("expected error from failing cache")
		}
	})

	t.Run("NilCache", func(t *testing.T) {
		if _, err := NewService(nil, 0).Record(ctx, sub); err == nil {
			t.Error("expected error without cache")
		}
	})
}

func TestKeys(t *testing.T) {
	keys := Keys(domain.Submission{
		"email":  "Ops@Acme.io",
		"tax_id": "12-3456789",
	})

	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if strings.Contains(k, "acme") || strings.Contains(k, "3456789") {
			t.Errorf("key leaks raw value: %s", k)
		}
	}

	same := Keys(domain.Submission{"email": "ops@acme.io", "tax_id": "12-3456789"})
	for i := range keys {
		if keys[i] != same[i] {
			t.Errorf("expected normalized keys to match: %v vs %v", keys, same)
		}
	}

	if got := NewService(nil, 0).Window(); got != 24*time.Hour {
		t.Errorf("expected default window 24h, got %s", got)
	}
}
