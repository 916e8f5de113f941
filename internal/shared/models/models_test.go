package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCredential_Eligible(t *testing.T) {
	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"under limit", Credential{Active: true, UsedToday: 2, DailyLimit: 5}, true},
		{"at limit", Credential{Active: true, UsedToday: 5, DailyLimit: 5}, false},
		{"inactive", Credential{Active: false, UsedToday: 0, DailyLimit: 5}, false},
		{"zero limit", Credential{Active: true, UsedToday: 0, DailyLimit: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.cred.Eligible())
		})
	}
}

func TestCredential_UsageRatio(t *testing.T) {
	c := Credential{UsedToday: 25, DailyLimit: 100}
	require.InDelta(t, 0.25, c.UsageRatio(), 1e-9)

	c = Credential{UsedToday: 3, DailyLimit: 0}
	require.Equal(t, 1.0, c.UsageRatio())
}

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "sk-a...wxyz", MaskSecret("sk-abcdefghijklmnopqrstuvwxyz"))
	require.Equal(t, "******", MaskSecret("secret"))
	require.Equal(t, "", MaskSecret(""))
}

func TestCallType_Valid(t *testing.T) {
	require.True(t, CallRerank.Valid())
	require.True(t, CallAudioSpeech.Valid())
	require.False(t, CallType("video").Valid())
}
