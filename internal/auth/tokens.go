package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerline/client-go/internal/store"
)

// Tokens is the credential pair for one session. Replaced atomically on
// refresh, cleared atomically on logout.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiringWithin reports whether the access token expires within d
func (t Tokens) ExpiringWithin(d time.Duration) bool {
	return time.Until(t.ExpiresAt) <= d
}

// loadTokens reads persisted tokens, returning nil when none are stored
func loadTokens(s store.Store) (*Tokens, error) {
	data, err := s.Get(store.KeyAuthTokens)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode stored tokens: %w", err)
	}
	return &t, nil
}

// saveTokens persists tokens so a reload does not force re-authentication
func saveTokens(s store.Store, t Tokens) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	return s.Set(store.KeyAuthTokens, data)
}
