package ledger

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/perp"
)

// Balances are held in Redis as integer micro-units
const unitExp = 6

// debitScript applies a debit once per idempotency key.
// Returns 1 when already applied, 0 when applied now, -1 on insufficient funds.
var debitScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 1
end
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
if balance < tonumber(ARGV[1]) then
	return -1
end
redis.call('DECRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[2])
else
	redis.call('SET', KEYS[2], ARGV[1])
end
return 0
`)

// creditScript applies a credit once per idempotency key
var creditScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 1
end
redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[2])
else
	redis.call('SET', KEYS[2], ARGV[1])
end
return 0
`)

// RedisConfig configures the Redis ledger
type RedisConfig struct {
	Addr      string `yaml:"addr"` // e.g. "localhost:6379"
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// How long idempotency keys are kept. Zero keeps them forever.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Redis is a ledger backed by Redis. Debits and credits run as Lua scripts so
// the balance check, the movement and the idempotency mark are atomic.
type Redis struct {
	client *goredis.Client
	config RedisConfig
	logger log.Logger
}

var _ perp.Ledger = (*Redis)(nil)

// NewRedis connects to Redis and pings the server
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "perps:ledger"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger := log.Root().New("module", "ledger")
	logger.Info("Connected to Redis ledger", "addr", cfg.Addr, "prefix", cfg.KeyPrefix)
	return &Redis{client: client, config: cfg, logger: logger}, nil
}

// Client returns the underlying Redis client for health checks
func (r *Redis) Client() *goredis.Client { return r.client }

// Close closes the Redis connection
func (r *Redis) Close() error { return r.client.Close() }

// Deposit adds funds outside of any position
func (r *Redis) Deposit(ctx context.Context, ownerID string, amount decimal.Decimal) error {
	units, err := toMicroUnits(amount, false)
	if err != nil {
		return err
	}
	if units == 0 {
		return fmt.Errorf("%w: %s is below one micro-unit", ErrInvalidAmount, amount)
	}
	return r.client.IncrBy(ctx, r.balanceKey(ownerID), units).Err()
}

// Balance returns an owner's balance
func (r *Redis) Balance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	n, err := r.client.Get(ctx, r.balanceKey(ownerID)).Int64()
	if err == goredis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(n, -unitExp), nil
}

// Debit removes amount from an owner's balance. Sub-micro amounts round up.
func (r *Redis) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, relatedID string) error {
	units, err := toMicroUnits(amount, true)
	if err != nil {
		return err
	}

	res, err := debitScript.Run(ctx, r.client,
		[]string{r.balanceKey(ownerID), r.idempotencyKey(reason, relatedID)},
		units, int64(r.config.IdempotencyTTL/time.Second)).Int()
	if err != nil {
		return fmt.Errorf("redis debit: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s needs %s", perp.ErrInsufficientFunds, ownerID, amount)
	case 1:
		r.logger.Debug("Debit already applied", "owner", ownerID, "reason", reason, "related", relatedID)
	}
	return nil
}

// Credit adds amount to an owner's balance. Sub-micro amounts round down, and
// a credit below one micro-unit is dropped.
func (r *Redis) Credit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, relatedID string) error {
	units, err := toMicroUnits(amount, false)
	if err != nil {
		return err
	}
	if units == 0 {
		return nil
	}

	res, err := creditScript.Run(ctx, r.client,
		[]string{r.balanceKey(ownerID), r.idempotencyKey(reason, relatedID)},
		units, int64(r.config.IdempotencyTTL/time.Second)).Int()
	if err != nil {
		return fmt.Errorf("redis credit: %w", err)
	}
	if res == 1 {
		r.logger.Debug("Credit already applied", "owner", ownerID, "reason", reason, "related", relatedID)
	}
	return nil
}

func (r *Redis) balanceKey(ownerID string) string {
	return r.config.KeyPrefix + ":balance:" + ownerID
}

func (r *Redis) idempotencyKey(reason, relatedID string) string {
	return r.config.KeyPrefix + ":applied:" + idempotencyKey(reason, relatedID)
}

func toMicroUnits(amount decimal.Decimal, roundUp bool) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	shifted := amount.Shift(unitExp)
	if roundUp {
		shifted = shifted.Ceil()
	} else {
		shifted = shifted.Floor()
	}
	return shifted.IntPart(), nil
}
