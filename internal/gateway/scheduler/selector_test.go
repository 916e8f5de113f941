package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cred(id string, used, limit int64) models.Credential {
	return models.Credential{ID: id, Secret: "sk-" + id, Active: true, UsedToday: used, DailyLimit: limit}
}

func TestSelect_PicksLowestRatio(t *testing.T) {
	// raw count would pick a; ratio picks b
	a := cred("a", 5, 10)
	b := cred("b", 20, 100)

	got, err := Select([]models.Credential{a, b})
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestSelect_HugeLimitDoesNotOverflow(t *testing.T) {
	big := cred("big", 3, math.MaxInt64)
	small := cred("small", 2, 10)

	got, err := Select([]models.Credential{small, big})
	require.NoError(t, err)
	assert.Equal(t, "big", got.ID)

	got, err = Select([]models.Credential{big, small})
	require.NoError(t, err)
	assert.Equal(t, "big", got.ID)

	// equal ratios at the extreme fall through to the id tie-break
	a := cred("a", math.MaxInt64-1, math.MaxInt64)
	b := cred("b", math.MaxInt64-1, math.MaxInt64)
	got, err = Select([]models.Credential{b, a})
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func TestSelect_ExhaustedScenario(t *testing.T) {
	x := cred("x", 5, 5)
	y := cred("y", 2, 5)
	snapshot := []models.Credential{x, y}

	for i := 0; i < 3; i++ {
		got, err := Select(snapshot)
		require.NoError(t, err)
		require.Equal(t, "y", got.ID)
		snapshot[1].UsedToday++
	}
	assert.Equal(t, int64(5), snapshot[1].UsedToday)

	_, err := Select(snapshot)
	require.ErrorIs(t, err, errs.ErrCredentialsExhausted)
	assert.Equal(t, int64(5), snapshot[0].UsedToday)
	assert.Equal(t, int64(5), snapshot[1].UsedToday)
}

func TestSelect_NoneConfigured(t *testing.T) {
	_, err := Select(nil)
	require.ErrorIs(t, err, errs.ErrNoCredentialsConfigured)

	off := cred("off", 0, 10)
	off.Active = false
	_, err = Select([]models.Credential{off})
	require.ErrorIs(t, err, errs.ErrNoCredentialsConfigured)
}

func TestSelect_SkipsInactiveAndZeroLimit(t *testing.T) {
	off := cred("a", 0, 10)
	off.Active = false
	zero := cred("b", 0, 0)
	ok := cred("c", 9, 10)

	got, err := Select([]models.Credential{off, zero, ok})
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID)
}

func TestSelect_TieBreaksOnRecency(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Minute)

	a := cred("a", 1, 10)
	a.LastUsedAt = &later
	b := cred("b", 2, 20)
	b.LastUsedAt = &earlier
	c := cred("c", 3, 30)

	got, err := Select([]models.Credential{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID, "never-used wins a ratio tie")

	got, err = Select([]models.Credential{a, b})
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	d := cred("d", 1, 10)
	e := cred("e", 1, 10)
	got, err = Select([]models.Credential{e, d})
	require.NoError(t, err)
	assert.Equal(t, "d", got.ID)
}

func TestSelect_FairAcrossQuotaSizes(t *testing.T) {
	snapshot := []models.Credential{cred("small", 0, 10), cred("large", 0, 100)}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 55; i++ {
		got, err := Select(snapshot)
		require.NoError(t, err)
		for j := range snapshot {
			if snapshot[j].ID == got.ID {
				snapshot[j].UsedToday++
				at := clock.Add(time.Duration(i) * time.Second)
				snapshot[j].LastUsedAt = &at
			}
		}
	}

	// both quotas drain at the same rate
	assert.InDelta(t, 5, snapshot[0].UsedToday, 1)
	assert.InDelta(t, 50, snapshot[1].UsedToday, 1)
}

func TestSelect_DoesNotMutateSnapshot(t *testing.T) {
	snapshot := []models.Credential{cred("a", 1, 10), cred("b", 2, 10)}
	before := append([]models.Credential(nil), snapshot...)

	_, err := Select(snapshot)
	require.NoError(t, err)
	assert.Equal(t, before, snapshot)
}
