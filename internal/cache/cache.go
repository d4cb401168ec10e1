// Package cache はRedisを使ったキャッシュ層を提供する。
// 値はJSONで保存する。Redisに到達できない場合もエラーは返さず、
// 警告ログを出してミス（またはfalse）として扱う。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/eventlocator/internal/metrics"
)

// scanBatchSize はパターン削除でSCAN 1回あたりに要求するキー数。
const scanBatchSize = 100

// Cache はキャッシュ操作のインターフェース。
// いずれの操作もRedis障害時にエラーを返さない。
type Cache interface {
	// Get はkeyの値をdestにデコードし、ヒットしたかを返す。
	Get(ctx context.Context, key string, dest any) bool

	// Set は値をJSONで保存し、成功したかを返す。
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool

	// Delete は指定キーを削除する。
	Delete(ctx context.Context, keys ...string) bool

	// DeleteByPattern はglobパターンに一致するキーをすべて削除する。
	DeleteByPattern(ctx context.Context, pattern string) bool
}

// RedisCache はgo-redisを使ったCacheの実装。
type RedisCache struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewRedisCache はRedisCacheを生成する。
func NewRedisCache(client redis.UniversalClient, logger *slog.Logger, m metrics.MetricsCollector) *RedisCache {
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &RedisCache{client: client, logger: logger, metrics: m}
}

// Open はRedisクライアントを生成し、疎通を確認する。
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redisへの接続確認に失敗しました: %w", err)
	}
	return client, nil
}

// Get はkeyの値をdestにデコードする。
// デコードに失敗した値は壊れたエントリとして削除し、ミスとして扱う。
func (c *RedisCache) Get(ctx context.Context, key string, dest any) bool {
	ns := namespaceOf(key)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCacheMiss(ns)
		return false
	}
	if err != nil {
		c.warn("get", key, err)
		c.metrics.RecordCacheMiss(ns)
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("キャッシュ値のデコードに失敗したため削除します",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.warn("del", key, err)
		}
		c.metrics.RecordCacheMiss(ns)
		return false
	}

	c.metrics.RecordCacheHit(ns)
	return true
}

// Set は値をJSONで保存する。
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("キャッシュ値のエンコードに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.warn("set", key, err)
		return false
	}
	return true
}

// Delete は指定キーを削除する。キーが存在しなくても成功とする。
func (c *RedisCache) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.warn("del", strings.Join(keys, ","), err)
		return false
	}
	return true
}

// DeleteByPattern はSCANでpatternに一致するキーを列挙し、まとめて削除する。
// KEYSコマンドはRedisをブロックするため使わない。
func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) bool {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.warn("scan", pattern, err)
		return false
	}

	for start := 0; start < len(keys); start += scanBatchSize {
		end := min(start+scanBatchSize, len(keys))
		if err := c.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			c.warn("del", pattern, err)
			return false
		}
	}
	return true
}

func (c *RedisCache) warn(op, key string, err error) {
	c.metrics.RecordCacheError(op)
	c.logger.Warn("キャッシュ操作に失敗しました",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// namespaceOf はメトリクスのラベルに使う名前空間をキーから求める。
//
//	event:<id>             → event
//	event:list:...         → event_list
//	event:nearby:...       → event_nearby
//	event:categories       → event_categories
//	user:language:<id>     → user_language
func namespaceOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	switch {
	case len(parts) >= 2 && parts[0] == "event" &&
		(parts[1] == "list" || parts[1] == "nearby" || parts[1] == "categories"):
		return parts[0] + "_" + parts[1]
	case len(parts) >= 3 && parts[0] == "user":
		return parts[0] + "_" + parts[1]
	default:
		return parts[0]
	}
}

// compile-time interface check
var _ Cache = (*RedisCache)(nil)
