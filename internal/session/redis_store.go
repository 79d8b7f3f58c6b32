// Package session keeps refresh sessions in Redis so every API instance
// sees revocations at once.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned for unknown, expired or revoked tokens.
var ErrSessionNotFound = errors.New("refresh session not found or expired")

// TokenData is stored under each refresh token hash.
type TokenData struct {
	MemberID  string    `json:"member_id"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisStore struct {
	client       *redis.Client
	prefix       string
	memberPrefix string
}

// Dial parses redisURL and verifies the server answers.
func Dial(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:       client,
		prefix:       "refresh:",
		memberPrefix: "refresh-member:",
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) memberKey(memberID string) string {
	return s.memberPrefix + memberID
}

// SaveRefreshSession stores the token and indexes it under the member so
// RevokeMemberSessions can find it.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, memberID string, expiresAt time.Time) error {
	data, err := json.Marshal(TokenData{MemberID: memberID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(tokenHash), data, ttl)
		pipe.SAdd(ctx, s.memberKey(memberID), tokenHash)
		pipe.Expire(ctx, s.memberKey(memberID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.MemberID == "" {
		return "", ErrSessionNotFound
	}
	return data.MemberID, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeMemberSessions deletes every refresh token issued to the member.
func (s *RedisStore) RevokeMemberSessions(ctx context.Context, memberID string) error {
	hashes, err := s.client.SMembers(ctx, s.memberKey(memberID)).Result()
	if err != nil {
		return fmt.Errorf("list member sessions: %w", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, hash := range hashes {
		keys = append(keys, s.key(hash))
	}
	keys = append(keys, s.memberKey(memberID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke member sessions: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
