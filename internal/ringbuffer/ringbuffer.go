// Package ringbuffer implements a bounded circular list in Redis. The head of
// the buffer is the element at list index 0; once full, adding evicts from
// the head.
package ringbuffer

import (
	"context"
	"encoding/json"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/tubeq/internal/script"
)

// Push and trim must be one unit or a concurrent reader can observe the list
// over capacity.
var addScript = script.New(`
local key = KEYS[1]
local value = ARGV[1]
local maxSize = tonumber(ARGV[2])
local ttlSeconds = tonumber(ARGV[3])
redis.call('RPUSH', key, value)
redis.call('LTRIM', key, -maxSize, -1)
if ttlSeconds > 0 then
    redis.call('EXPIRE', key, ttlSeconds)
end
return redis.call('LLEN', key)`)

// Codec converts values to and from the string form stored in Redis.
type Codec[T any] interface {
	Encode(T) (string, error)
	Decode(string) (T, error)
}

// JSONCodec is the default Codec.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func (JSONCodec[T]) Decode(s string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

// Buffer is a fixed-capacity circular list of T under a single key.
type Buffer[T any] struct {
	rdb        *r.Client
	key        string
	maxSize    int
	ttlSeconds int
	codec      Codec[T]
	log        *zap.Logger
}

// New builds a buffer holding at most maxSize items. ttlSeconds > 0 expires
// the whole buffer that many seconds after the last add.
func New[T any](rdb *r.Client, key string, maxSize, ttlSeconds int, codec Codec[T], log *zap.Logger) *Buffer[T] {
	return &Buffer[T]{rdb: rdb, key: key, maxSize: maxSize, ttlSeconds: ttlSeconds, codec: codec, log: log}
}

// Add appends value, evicting the oldest entry when the buffer is full.
func (b *Buffer[T]) Add(ctx context.Context, value T) error {
	encoded, err := b.codec.Encode(value)
	if err != nil {
		return err
	}
	size, err := b.addScriptRun(ctx, encoded)
	if err != nil {
		return err
	}
	if size > int64(b.maxSize) {
		b.log.Warn("circular buffer over capacity after trim", zap.String("key", b.key), zap.Int64("size", size))
	}
	return nil
}

func (b *Buffer[T]) addScriptRun(ctx context.Context, encoded string) (int64, error) {
	return addScript.RunInt(ctx, b.rdb, []string{b.key}, encoded, b.maxSize, b.ttlSeconds)
}

// PeekAll returns the whole buffer, head first, without mutating it.
func (b *Buffer[T]) PeekAll(ctx context.Context) ([]T, error) {
	raw, err := b.rdb.LRange(ctx, b.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, s := range raw {
		v, err := b.codec.Decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Poll removes and returns the head of the buffer; ok is false when empty.
func (b *Buffer[T]) Poll(ctx context.Context) (value T, ok bool, err error) {
	s, err := b.rdb.LPop(ctx, b.key).Result()
	if err == r.Nil {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	v, err := b.codec.Decode(s)
	return v, err == nil, err
}

// Size returns the number of buffered items.
func (b *Buffer[T]) Size(ctx context.Context) (int64, error) {
	return b.rdb.LLen(ctx, b.key).Result()
}

// Clear removes the buffer entirely.
func (b *Buffer[T]) Clear(ctx context.Context) error {
	return b.rdb.Del(ctx, b.key).Err()
}
