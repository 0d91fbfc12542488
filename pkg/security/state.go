package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/seedvault/seedvault/pkg/kv"
)

// stateTTL bounds how long an OAuth authorization round trip may take.
const stateTTL = 5 * time.Minute

// StateStore issues and redeems single-use OAuth state nonces over the KV
// store. Redemption is GetDel, so a replayed callback fails.
type StateStore struct {
	kv *kv.Client
}

// NewStateStore creates a state store.
func NewStateStore(client *kv.Client) *StateStore {
	return &StateStore{kv: client}
}

func stateKey(nonce string) string { return "oauth:state:" + nonce }

// Issue creates a nonce bound to the given user and stores it with a TTL.
func (s *StateStore) Issue(ctx context.Context, userID int64) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)

	if err := s.kv.Set(ctx, stateKey(nonce), fmt.Sprintf("%d", userID), stateTTL); err != nil {
		return "", err
	}
	return nonce, nil
}

// Redeem consumes a nonce and returns the bound user id. A nonce that was
// never issued, expired, or already redeemed reports ok=false.
func (s *StateStore) Redeem(ctx context.Context, nonce string) (int64, bool, error) {
	val, ok, err := s.kv.GetDel(ctx, stateKey(nonce))
	if err != nil || !ok {
		return 0, false, err
	}
	var userID int64
	if _, err := fmt.Sscanf(val, "%d", &userID); err != nil {
		return 0, false, nil
	}
	return userID, true, nil
}
