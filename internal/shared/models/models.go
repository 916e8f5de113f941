package models

import (
	"strings"
	"time"
)

// Credential represents one upstream API key with its own daily quota
type Credential struct {
	ID          string
	Secret      string
	DisplayName string
	Active      bool
	UsedToday   int64
	DailyLimit  int64
	LastUsedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Eligible reports whether the credential may be selected for a dispatch
func (c *Credential) Eligible() bool {
	return c.Active && c.UsedToday < c.DailyLimit
}

// UsageRatio returns usedToday / dailyLimit; a non-positive limit counts as fully used.
func (c *Credential) UsageRatio() float64 {
	if c.DailyLimit <= 0 {
		return 1
	}
	return float64(c.UsedToday) / float64(c.DailyLimit)
}

// Preview returns the masked secret
func (c *Credential) Preview() string {
	return MaskSecret(c.Secret)
}

// MaskSecret keeps the first and last four characters of a secret.
// Short secrets are fully masked.
func MaskSecret(secret string) string {
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// CallType identifies the kind of upstream call
type CallType string

const (
	CallChat               CallType = "chat"
	CallImage              CallType = "image"
	CallEmbedding          CallType = "embedding"
	CallRerank             CallType = "rerank"
	CallAudioTranscription CallType = "audio-transcription"
	CallAudioSpeech        CallType = "audio-speech"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	switch t {
	case CallChat, CallImage, CallEmbedding, CallRerank, CallAudioTranscription, CallAudioSpeech:
		return true
	}
	return false
}

// Usage holds token-like consumption counts for one call.
// Their meaning depends on the call type.
type Usage struct {
	InputUnits  int64
	OutputUnits int64
}

// CallOutcome is the immutable record of one completed or failed dispatch
type CallOutcome struct {
	ID           int64
	CredentialID *string
	ModelName    string
	CallType     CallType
	Success      bool
	LatencyMs    int64
	InputUnits   int64
	OutputUnits  int64
	ErrorMessage *string
	Timestamp    time.Time
}
