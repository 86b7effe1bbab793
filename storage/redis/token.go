package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfit/oauth-server/storage"
)

// rotateScript revokes the presented refresh token and stores its
// replacement in one atomic step. KEYS[1] is the old record, KEYS[2] its
// revoked marker, KEYS[3] the replacement record; ARGV[1] is the replacement
// JSON and ARGV[2] its TTL in milliseconds.
var rotateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {'NOTFOUND'}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {'REVOKED'}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[2], '1', 'PX', ttl)
else
	redis.call('SET', KEYS[2], '1')
end
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[2])
return {'OK', raw}
`)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	if err := s.setJSON(ctx, s.refreshKey(token.Token), token, token.ExpiresAt); err != nil {
		return err
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", truncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token by its opaque value. Expired
// tokens have no key left and read back as not found.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	data, err := s.client.Get(ctx, s.refreshKey(token)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	revoked, err := s.client.Exists(ctx, s.refreshRevokedKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation marker: %w", err)
	}
	if revoked == 1 {
		return nil, storage.ErrRefreshTokenRevoked
	}

	record, err := unmarshalRefreshToken(data)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// RotateRefreshToken atomically revokes the presented token and saves its
// replacement. Only one concurrent rotation of the same token can win.
func (s *Store) RotateRefreshToken(ctx context.Context, token string, replacement *storage.RefreshToken) (*storage.RefreshToken, error) {
	if replacement == nil || replacement.Token == "" {
		return nil, fmt.Errorf("invalid replacement refresh token")
	}

	replacementData, err := json.Marshal(replacement)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal replacement token: %w", err)
	}
	ttl := time.Until(replacement.ExpiresAt)
	if ttl <= 0 {
		return nil, fmt.Errorf("replacement token already expired")
	}

	res, err := rotateScript.Run(ctx, s.client,
		[]string{s.refreshKey(token), s.refreshRevokedKey(token), s.refreshKey(replacement.Token)},
		replacementData, ttl.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	status, payload, err := consumeResult(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "NOTFOUND":
		return nil, storage.ErrRefreshTokenNotFound
	case "REVOKED":
		return nil, storage.ErrRefreshTokenRevoked
	}

	record, err := unmarshalRefreshToken([]byte(payload))
	if err != nil {
		return nil, err
	}
	record.Revoked = true

	s.logger.Debug("Rotated refresh token",
		"old_prefix", truncate(token, tokenLogLength),
		"new_prefix", truncate(replacement.Token, tokenLogLength))
	return record, nil
}

// RevokeRefreshToken marks a refresh token as revoked. Unknown tokens are not
// an error (RFC 7009 semantics).
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	ttl, err := s.client.PTTL(ctx, s.refreshKey(token)).Result()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if ttl == -2 {
		// Key does not exist
		return nil
	}

	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	if err := s.client.Set(ctx, s.refreshRevokedKey(token), "1", expiry).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	s.logger.Debug("Revoked refresh token",
		"token_prefix", truncate(token, tokenLogLength))
	return nil
}

func unmarshalState(data []byte) (*storage.AuthorizationState, error) {
	var record storage.AuthorizationState
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}
	return &record, nil
}

func unmarshalCode(data []byte) (*storage.AuthorizationCode, error) {
	var record storage.AuthorizationCode
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &record, nil
}

func unmarshalRefreshToken(data []byte) (*storage.RefreshToken, error) {
	var record storage.RefreshToken
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &record, nil
}
