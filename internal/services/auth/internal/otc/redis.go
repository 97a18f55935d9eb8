package otc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "otc:"

// Redis keeps issued sessions behind single-use codes that expire after ttl.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedis(cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Redis{
		rdb: rdb,
		ttl: cfg.TTL,
	}
}

type codeEntry struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (r *Redis) CreateCode(ctx context.Context, s service.Session) (string, error) {
	val, err := json.Marshal(codeEntry{
		AccessToken: s.AccessToken,
		ExpiresAt:   s.ExpiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("serialize session: %w", err)
	}

	ttl := r.ttl
	if !s.ExpiresAt.IsZero() {
		if left := time.Until(s.ExpiresAt); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return "", errors.New("session already expired")
	}

	for range 3 {
		code := generateCode()
		ok, err := r.rdb.SetNX(ctx, keyPrefix+code, val, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("store code in redis: %w", err)
		}
		if ok {
			return code, nil
		}
	}

	return "", fmt.Errorf("failed to generate unique code")
}

// RedeemCode returns the session behind code and deletes it, so every code works once.
func (r *Redis) RedeemCode(ctx context.Context, code string) (service.Session, error) {
	val, err := r.rdb.GetDel(ctx, keyPrefix+code).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return service.Session{}, service.ErrCodeNotFound
		}

		return service.Session{}, fmt.Errorf("retrieve code from redis: %w", err)
	}

	var ce codeEntry
	if err := json.Unmarshal([]byte(val), &ce); err != nil {
		return service.Session{}, fmt.Errorf("deserialize code entry: %w", err)
	}

	return service.Session{
		AccessToken: ce.AccessToken,
		ExpiresAt:   ce.ExpiresAt,
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func generateCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
