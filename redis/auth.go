package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/internal"
)

// TokenAuthenticator resolves bearer tokens stored as token:<token> → userId.
type TokenAuthenticator struct {
	client *Client
}

func NewTokenAuthenticator(client *Client) *TokenAuthenticator {
	return &TokenAuthenticator{client: client}
}

func (a *TokenAuthenticator) Resolve(ctx context.Context, token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, fmt.Errorf("%w: missing token", rnaqueue.ErrAuthentication)
	}
	raw, err := a.client.Get(ctx, internal.TokenKey(token))
	if IsNil(err) {
		return 0, fmt.Errorf("%w: unknown token", rnaqueue.ErrAuthentication)
	}
	if err != nil {
		return 0, fmt.Errorf("token lookup: %w", err)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: malformed user id %q", rnaqueue.ErrAuthentication, raw)
	}
	return userID, nil
}

// Issue stores a fresh token for userID. A zero ttl never expires.
func (a *TokenAuthenticator) Issue(ctx context.Context, userID int64, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	if err := a.client.Set(ctx, internal.TokenKey(token), strconv.FormatInt(userID, 10), ttl); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}
