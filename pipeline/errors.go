package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/aptg/geoip"
	"github.com/wolfeidau/aptg/policy"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/upstream"
	"github.com/wolfeidau/aptg/verify"
)

// Outcome classifies how a request ended. The transport maps outcomes to
// status codes and the audit log records them.
type Outcome string

const (
	OutcomeServed             Outcome = "served"
	OutcomeDenied             Outcome = "denied"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeMalformed          Outcome = "malformed"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeUpstreamTimeout    Outcome = "upstream_timeout"
	OutcomeUpstreamError      Outcome = "upstream_error"
	OutcomeStorageError       Outcome = "storage_error"
	OutcomeInvalidPath        Outcome = "invalid_path"
	OutcomeCanceled           Outcome = "canceled"
	OutcomeGeoDenied          Outcome = "geo_denied"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeRedirected         Outcome = "redirected"
)

// PolicyDeniedError is returned when the policy engine rejects a request.
type PolicyDeniedError struct {
	Decision policy.Deny
}

func (e *PolicyDeniedError) Error() string {
	return "policy denied: " + e.Decision.String()
}

// GeoBlockedError is returned when the geographic policy denies, redirects
// or rate limits the client.
type GeoBlockedError struct {
	Decision geoip.Decision
}

func (e *GeoBlockedError) Error() string {
	return "blocked by " + e.Decision.String()
}

// VerificationError is returned when a signature or digest check fails, or
// when nothing vouches for the requested content.
type VerificationError struct {
	Path   string
	Result verify.Result
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s", e.Path, e.Result)
}

// StorageError is returned when the cache cannot be read. Write failures
// degrade to serving from the spool instead.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Classify maps an error returned by Serve to its outcome. A nil error is
// OutcomeServed.
func Classify(err error) Outcome {
	var (
		denied  *PolicyDeniedError
		geo     *GeoBlockedError
		failed  *VerificationError
		storage *StorageError
		fetch   *upstream.FetchError
	)
	switch {
	case err == nil:
		return OutcomeServed
	case errors.As(err, &denied):
		return OutcomeDenied
	case errors.As(err, &geo):
		switch geo.Decision.Action {
		case geoip.ActionRedirect:
			return OutcomeRedirected
		case geoip.ActionRateLimit:
			return OutcomeRateLimited
		default:
			return OutcomeGeoDenied
		}
	case errors.As(err, &failed):
		return OutcomeVerificationFailed
	case errors.Is(err, repo.ErrMalformed):
		return OutcomeMalformed
	case errors.Is(err, repo.ErrInvalidPath):
		return OutcomeInvalidPath
	case errors.As(err, &fetch):
		switch fetch.Kind {
		case upstream.KindNotFound:
			return OutcomeNotFound
		case upstream.KindTimeout:
			return OutcomeUpstreamTimeout
		case upstream.KindCanceled:
			return OutcomeCanceled
		default:
			return OutcomeUpstreamError
		}
	case errors.As(err, &storage):
		return OutcomeStorageError
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeUpstreamTimeout
	default:
		return OutcomeStorageError
	}
}
