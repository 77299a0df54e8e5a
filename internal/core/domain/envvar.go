package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Bot Environment Variables
// =============================================================================

// MaskedValue is what secret env var values are replaced with on reads.
const MaskedValue = "********"

// BotEnvVar is an environment variable attached to a bot. (bot_id, key) is
// unique. Secret values are never returned in plaintext once stored.
type BotEnvVar struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"is_secret"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnvEntry is a caller-supplied environment variable. Secret is an explicit
// override; when nil the key-substring heuristic decides.
type EnvEntry struct {
	Key    string
	Value  string
	Secret *bool
}

// IsSecretKey reports whether a key looks like it holds a credential.
// Heuristic only: case-insensitive substring match on "token" or "secret".
// Callers that know better should set EnvEntry.Secret explicitly.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "token") || strings.Contains(k, "secret")
}

// NewBotEnvVar creates an env var for a bot, applying the secret heuristic
// unless the entry carries an explicit override.
func NewBotEnvVar(botID string, entry EnvEntry) *BotEnvVar {
	secret := IsSecretKey(entry.Key)
	if entry.Secret != nil {
		secret = *entry.Secret
	}
	now := time.Now().UTC()
	return &BotEnvVar{
		ID:        "env_" + uuid.New().String()[:8],
		BotID:     botID,
		Key:       entry.Key,
		Value:     entry.Value,
		IsSecret:  secret,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Masked returns a copy with the value replaced if the variable is secret.
func (v BotEnvVar) Masked() BotEnvVar {
	if v.IsSecret {
		v.Value = MaskedValue
	}
	return v
}
