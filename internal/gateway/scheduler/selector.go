package scheduler

import (
	"math/bits"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Select returns the eligible credential with the lowest usage ratio
// (usedToday / dailyLimit). Ties go to the credential used least recently,
// never-used first, then to the lowest id so the result is deterministic.
//
// It returns errs.ErrNoCredentialsConfigured when the snapshot holds no active
// credential and errs.ErrCredentialsExhausted when every active one is at its
// limit. Select never mutates the snapshot.
func Select(snapshot []models.Credential) (models.Credential, error) {
	var (
		best      *models.Credential
		anyActive bool
	)
	for i := range snapshot {
		c := &snapshot[i]
		if !c.Active {
			continue
		}
		anyActive = true
		if !c.Eligible() {
			continue
		}
		if best == nil || less(c, best) {
			best = c
		}
	}

	switch {
	case best != nil:
		return *best, nil
	case anyActive:
		return models.Credential{}, errs.ErrCredentialsExhausted
	default:
		return models.Credential{}, errs.ErrNoCredentialsConfigured
	}
}

// less orders a before b. Both must be eligible, so both limits are positive
// and the ratio comparison can be done exactly by cross-multiplying.
func less(a, b *models.Credential) bool {
	if c := compareRatio(a, b); c != 0 {
		return c < 0
	}

	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	return a.ID < b.ID
}

// compareRatio compares a.UsedToday/a.DailyLimit with b's ratio using 128-bit
// products, so limits up to math.MaxInt64 cannot overflow.
func compareRatio(a, b *models.Credential) int {
	lhsHi, lhsLo := bits.Mul64(nonNegative(a.UsedToday), nonNegative(b.DailyLimit))
	rhsHi, rhsLo := bits.Mul64(nonNegative(b.UsedToday), nonNegative(a.DailyLimit))
	switch {
	case lhsHi != rhsHi:
		if lhsHi < rhsHi {
			return -1
		}
		return 1
	case lhsLo != rhsLo:
		if lhsLo < rhsLo {
			return -1
		}
		return 1
	}
	return 0
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
