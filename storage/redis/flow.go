package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openfit/oauth-server/storage"
)

// consumeScript marks a single-use record as consumed. KEYS[1] is the record,
// KEYS[2] the used marker. The marker inherits the record's remaining TTL so
// replay detection lasts exactly as long as the record would have. Exactly
// one concurrent caller observes OK.
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {'NOTFOUND'}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {'USED', raw}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[2], '1', 'PX', ttl)
else
	redis.call('SET', KEYS[2], '1')
end
return {'OK', raw}
`)

// consumeResult decodes the {status, payload} reply of consumeScript.
func consumeResult(res any) (string, string, error) {
	reply, ok := res.([]any)
	if !ok || len(reply) == 0 {
		return "", "", fmt.Errorf("unexpected script reply %T", res)
	}
	status, _ := reply[0].(string)
	var payload string
	if len(reply) > 1 {
		payload, _ = reply[1].(string)
	}
	return status, payload, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState saves the state of a pending authorization flow.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	if err := s.setJSON(ctx, s.stateKey(state.State), state, state.ExpiresAt); err != nil {
		return err
	}

	s.logger.Debug("Saved authorization state",
		"state_prefix", truncate(state.State, tokenLogLength),
		"client_id", state.ClientID)
	return nil
}

// GetAuthorizationState retrieves an authorization state by state value.
// Expired states have no key left and read back as not found.
func (s *Store) GetAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	data, err := s.client.Get(ctx, s.stateKey(state)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization state: %w", err)
	}

	record, err := unmarshalState(data)
	if err != nil {
		return nil, err
	}
	used, err := s.client.Exists(ctx, s.stateUsedKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check state marker: %w", err)
	}
	record.Used = used == 1
	return record, nil
}

// ConsumeAuthorizationState atomically validates and marks a state as used.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.stateKey(state), s.stateUsedKey(state)}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization state: %w", err)
	}

	status, payload, err := consumeResult(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "NOTFOUND":
		return nil, storage.ErrStateNotFound
	case "USED":
		return nil, storage.ErrStateUsed
	}

	record, err := unmarshalState([]byte(payload))
	if err != nil {
		return nil, err
	}
	record.Used = true

	s.logger.Debug("Consumed authorization state",
		"state_prefix", truncate(state, tokenLogLength),
		"client_id", record.ClientID)
	return record, nil
}

// DeleteAuthorizationState removes an authorization state.
func (s *Store) DeleteAuthorizationState(ctx context.Context, state string) error {
	if err := s.client.Del(ctx, s.stateKey(state), s.stateUsedKey(state)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization state: %w", err)
	}
	return nil
}

// SaveAuthorizationCode saves an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	if err := s.setJSON(ctx, s.codeKey(code.Code), code, code.ExpiresAt); err != nil {
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", truncate(code.Code, tokenLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Get(ctx, s.codeKey(code)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	record, err := unmarshalCode(data)
	if err != nil {
		return nil, err
	}
	used, err := s.client.Exists(ctx, s.codeUsedKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check code marker: %w", err)
	}
	record.Used = used == 1
	return record, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and
// marks it as used. The record is only returned alongside
// ErrAuthorizationCodeUsed so the caller can raise a replay signal; not-found
// (which includes expired, the key having lapsed) returns nil.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.codeKey(code), s.codeUsedKey(code)}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mark authorization code: %w", err)
	}

	status, payload, err := consumeResult(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "NOTFOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "USED":
		record, err := unmarshalCode([]byte(payload))
		if err != nil {
			return nil, err
		}
		record.Used = true
		return record, storage.ErrAuthorizationCodeUsed
	}

	record, err := unmarshalCode([]byte(payload))
	if err != nil {
		return nil, err
	}
	record.Used = true

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", truncate(code, tokenLogLength))
	return record, nil
}

// ReleaseAuthorizationCode flips a used code back to unused by dropping its
// marker. Compensation for a signer failure after the code was burned.
func (s *Store) ReleaseAuthorizationCode(ctx context.Context, code string) error {
	exists, err := s.client.Exists(ctx, s.codeKey(code)).Result()
	if err != nil {
		return fmt.Errorf("failed to release authorization code: %w", err)
	}
	if exists == 0 {
		return storage.ErrAuthorizationCodeNotFound
	}
	if err := s.client.Del(ctx, s.codeUsedKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to release authorization code: %w", err)
	}

	s.logger.Debug("Released authorization code",
		"code_prefix", truncate(code, tokenLogLength))
	return nil
}

// DeleteAuthorizationCode removes an authorization code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, s.codeKey(code), s.codeUsedKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
