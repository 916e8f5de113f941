package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/scheduler"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logger"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Pool is the read side of the credential cache used for health reporting.
type Pool interface {
	Snapshot(ctx context.Context) ([]models.Credential, error)
	LoadedAt() time.Time
}

type HealthHandler struct {
	pool Pool
}

func NewHealthHandler(pool Pool) *HealthHandler {
	return &HealthHandler{pool: pool}
}

type credentialHealth struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Preview    string     `json:"preview"`
	UsedToday  int64      `json:"used_today"`
	DailyLimit int64      `json:"daily_limit"`
	UsageRatio float64    `json:"usage_ratio"`
	Eligible   bool       `json:"eligible"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

type poolHealth struct {
	Active      int                `json:"active"`
	Eligible    int                `json:"eligible"`
	Exhausted   int                `json:"exhausted"`
	TotalUsed   int64              `json:"total_used"`
	TotalLimit  int64              `json:"total_limit"`
	UsageRatio  float64            `json:"usage_ratio"`
	Stale       bool               `json:"stale"`
	LoadedAt    *time.Time         `json:"loaded_at"`
	Credentials []credentialHealth `json:"credentials"`
}

// HandleLiveness handles GET /health
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleCredentials handles GET /health/credentials. Secrets only appear as
// masked previews.
func (h *HealthHandler) HandleCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.pool.Snapshot(r.Context())
	if err != nil && !scheduler.IsStale(err) {
		writeError(w, err)
		return
	}
	if err != nil {
		logger.FromContext(r.Context(), nil).Warnw("health served from stale credential cache", "error", err)
	}

	out := summarize(creds)
	out.Stale = err != nil
	if at := h.pool.LoadedAt(); !at.IsZero() {
		out.LoadedAt = &at
	}
	writeJSON(w, http.StatusOK, out)
}

func summarize(creds []models.Credential) poolHealth {
	out := poolHealth{Credentials: make([]credentialHealth, 0, len(creds))}
	for i := range creds {
		c := &creds[i]
		eligible := c.Eligible()
		if c.Active {
			out.Active++
			out.TotalUsed += c.UsedToday
			out.TotalLimit += c.DailyLimit
			if eligible {
				out.Eligible++
			} else {
				out.Exhausted++
			}
		}
		out.Credentials = append(out.Credentials, credentialHealth{
			ID:         c.ID,
			Name:       c.DisplayName,
			Preview:    c.Preview(),
			UsedToday:  c.UsedToday,
			DailyLimit: c.DailyLimit,
			UsageRatio: c.UsageRatio(),
			Eligible:   eligible,
			LastUsedAt: c.LastUsedAt,
		})
	}
	if out.TotalLimit > 0 {
		out.UsageRatio = float64(out.TotalUsed) / float64(out.TotalLimit)
	}
	return out
}
