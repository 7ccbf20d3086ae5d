// Package presence tracks which workers are alive via heartbeats in a sorted
// set scored by expiry instant. A worker that stops heartbeating simply ages
// out; Cull reclaims the dead entries.
package presence

import (
	"context"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Clock supplies epoch milliseconds; injectable for tests.
type Clock func() int64

// Repository is a per-tube presence registry under a shared key prefix.
type Repository struct {
	rdb    *r.Client
	prefix string
	clock  Clock
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(p *Repository) { p.clock = c }
}

// New builds a presence repository whose keys all start with prefix.
func New(rdb *r.Client, prefix string, opts ...Option) *Repository {
	p := &Repository{
		rdb:    rdb,
		prefix: prefix,
		clock:  func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Repository) key(tube string) string { return p.prefix + tube + ":presence" }

// Heartbeat records that id is alive for the next ttlMillis.
func (p *Repository) Heartbeat(ctx context.Context, tube, id string, ttlMillis int64) error {
	return p.rdb.ZAdd(ctx, p.key(tube), r.Z{Score: float64(p.clock() + ttlMillis), Member: id}).Err()
}

// Expired reports whether id has no live heartbeat.
func (p *Repository) Expired(ctx context.Context, tube, id string) (bool, error) {
	score, err := p.rdb.ZScore(ctx, p.key(tube), id).Result()
	if err == r.Nil {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) <= p.clock(), nil
}

// Present returns the ids with live heartbeats.
func (p *Repository) Present(ctx context.Context, tube string) ([]string, error) {
	return p.rdb.ZRangeByScore(ctx, p.key(tube), &r.ZRangeBy{
		Min: "(" + strconv.FormatInt(p.clock(), 10),
		Max: "+inf",
	}).Result()
}

// Remove deletes id's heartbeat outright, reporting whether one existed.
func (p *Repository) Remove(ctx context.Context, tube, id string) (bool, error) {
	n, err := p.rdb.ZRem(ctx, p.key(tube), id).Result()
	return n > 0, err
}

// Cull drops every expired heartbeat and returns how many were removed.
func (p *Repository) Cull(ctx context.Context, tube string) (int64, error) {
	return p.rdb.ZRemRangeByScore(ctx, p.key(tube), "-inf", strconv.FormatInt(p.clock(), 10)).Result()
}
