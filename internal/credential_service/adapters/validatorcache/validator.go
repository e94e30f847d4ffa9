package validatorcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leadforge/outreach_services/internal/credential_service/app"
)

// Checker asks the external site whether a credential value is accepted.
type Checker interface {
	CheckCredential(ctx context.Context, value string) (bool, error)
}

// CachingValidator puts a TTL cache and call coalescing in front of a Checker.
type CachingValidator struct {
	checker Checker
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	group   singleflight.Group
}

func New(checker Checker, cache Cache, ttl time.Duration, logger *slog.Logger) *CachingValidator {
	return &CachingValidator{checker: checker, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "outreach:credential:validity:" + hex.EncodeToString(sum[:])
}

// Validate implements app.Validator. Cache failures degrade to a direct check.
func (v *CachingValidator) Validate(ctx context.Context, value string) (app.Validation, error) {
	key := cacheKey(value)
	if v.ttl > 0 {
		valid, found, err := v.cache.Get(ctx, key)
		if err != nil {
			v.logger.WarnContext(ctx, "Validation cache read failed", "error", err)
		} else if found {
			return app.Validation{Valid: valid, Cached: true}, nil
		}
	}

	res, err, shared := v.group.Do(key, func() (any, error) {
		return v.checker.CheckCredential(ctx, value)
	})
	if err != nil {
		return app.Validation{}, err
	}
	valid := res.(bool)

	if v.ttl > 0 && !shared {
		if err := v.cache.Set(ctx, key, valid, v.ttl); err != nil {
			v.logger.WarnContext(ctx, "Validation cache write failed", "error", err)
		}
	}
	return app.Validation{Valid: valid, Cached: shared}, nil
}

// Forget drops the cached verdict for value so the next Validate asks the site.
func (v *CachingValidator) Forget(ctx context.Context, value string) error {
	return v.cache.Delete(ctx, cacheKey(value))
}
