// Package velocity counts how often the same applicant identity has been
// submitted within a time window.
package velocity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// identityFields are the submission fields that identify an applicant.
var identityFields = []string{"tax_id", "email", "company_name"}

// Service tracks resubmission counts in a shared cache.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service.
func NewService(cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Service{
		cache:  cache,
		window: window,
	}
}

// Window returns the counting window.
func (s *Service) Window() time.Duration {
	return s.window
}

// Keys returns the counter keys for a submission, one per identity field
// present. Values are normalized and hashed so raw PII never becomes a key.
func Keys(sub domain.Submission) []string {
	var keys []string
	for _, field := range identityFields {
		v := strings.ToLower(strings.TrimSpace(sub.String(field)))
		if v == "" {
			continue
		}
		sum := sha256.Sum256([]byte(v))
		keys = append(keys, "velocity:"+field+":"+hex.EncodeToString(sum[:12]))
	}
	return keys
}

// Record counts this submission against each of its identities and returns
// the highest count seen, including this one. A submission with no
// identity fields returns 0.
func (s *Service) Record(ctx context.Context, sub domain.Submission) (int64, error) {
	if s.cache == nil {
		return 0, fmt.Errorf("no cache configured")
	}

	var highest int64
	for _, key := range Keys(sub) {
		n, err := s.cache.IncrementCounter(ctx, key, s.window)
		if err != nil {
			return highest, fmt.Errorf("failed to count %s: %w", key, err)
		}
		highest = max(highest, n)
	}
	return highest, nil
}
