package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/backend"
	"github.com/wolfeidau/aptg/verify"
)

// ScrubResult summarises one scrub pass.
type ScrubResult struct {
	Checked     int
	Missing     int
	Corrupt     int
	Invalidated []string
	// Stray counts blob files no entry refers to, which were deleted.
	Stray      int
	StrayBytes int64
	Duration    time.Duration
}

// Scrub re-hashes every entry's blob against the SHA256 and size it was
// verified with. Entries whose blob is missing or no longer matches are
// invalidated, so the next request refetches and re-verifies them. Blob files
// that no entry refers to are then deleted. Scrub must not run alongside a
// serving Manager on the same blob store.
func (m *Manager) Scrub(ctx context.Context) (*ScrubResult, error) {
	start := m.now()
	result := &ScrubResult{}

	recs, err := m.index.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}

	live := make(map[aptg.Hash]struct{}, len(recs))
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		e, err := entryFromRecord(&recs[i])
		if err != nil {
			m.logger.Warn("skipping unreadable entry", "key", recs[i].Key, "error", err)
			continue
		}
		result.Checked++

		ok, err := m.scrubEntry(ctx, e)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			result.Missing++
		case err != nil:
			return result, err
		case ok:
			live[e.Blob.Hash] = struct{}{}
			continue
		default:
			result.Corrupt++
		}

		if err := m.Invalidate(ctx, e.Key); err != nil {
			return result, err
		}
		result.Invalidated = append(result.Invalidated, e.Key)
	}

	if err := m.sweepStray(ctx, live, result); err != nil {
		return result, err
	}

	result.Duration = m.now().Sub(start)
	m.logger.Info("scrub complete",
		"checked", result.Checked,
		"missing", result.Missing,
		"corrupt", result.Corrupt,
		"stray", result.Stray,
		"stray_bytes", result.StrayBytes)
	return result, nil
}

func (m *Manager) sweepStray(ctx context.Context, live map[aptg.Hash]struct{}, result *ScrubResult) error {
	var stray []aptg.Hash
	err := m.blobs.Walk(ctx, func(h aptg.Hash, size int64) error {
		if _, ok := live[h]; !ok {
			stray = append(stray, h)
			result.StrayBytes += size
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking blobs: %w", err)
	}
	for _, h := range stray {
		if err := m.blobs.Delete(ctx, h); err != nil {
			return fmt.Errorf("deleting stray blob %s: %w", h.ShortString(), err)
		}
		m.logger.Debug("deleted stray blob", "blob", h.ShortString())
	}
	result.Stray = len(stray)
	return nil
}

func (m *Manager) scrubEntry(ctx context.Context, e *Entry) (bool, error) {
	rc, err := m.blobs.Get(ctx, e.Blob.Hash)
	if err != nil {
		return false, err
	}
	defer func() { _ = rc.Close() }()

	res, err := verify.VerifyContent(rc, verify.Expectation{
		SHA256: e.Digest,
		Size:   e.Size,
		KeyID:  e.Verification.KeyID,
	})
	if err != nil {
		return false, fmt.Errorf("scrubbing %s: %w", e.Key, err)
	}
	if !res.Trusted() {
		m.logger.Warn("cached content no longer matches", "key", e.Key, "result", res.String())
		return false, nil
	}
	return true, nil
}
