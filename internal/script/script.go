// Package script executes server-side Lua scripts against Redis as single
// atomic round-trips. Scripts are addressed by SHA1; when the server reports
// NOSCRIPT (initial execution, failover to a replica with an empty script
// cache) the source is reloaded and the same call retried transparently.
package script

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Script is an immutable Lua script plus its SHA1 digest.
type Script struct {
	src  string
	sha1 string
}

// New computes the digest eagerly so Run never has to.
func New(src string) *Script {
	sum := sha1.Sum([]byte(src))
	return &Script{src: src, sha1: hex.EncodeToString(sum[:])}
}

// Hash returns the script's SHA1 hex digest.
func (s *Script) Hash() string { return s.sha1 }

// Run executes the script via EVALSHA. On a NOSCRIPT reply the source is
// loaded with SCRIPT LOAD and the call retried; every other error propagates.
func (s *Script) Run(ctx context.Context, rdb r.Scripter, keys []string, args ...interface{}) (interface{}, error) {
	for {
		res, err := rdb.EvalSha(ctx, s.sha1, keys, args...).Result()
		if err == nil {
			return res, nil
		}
		if !r.HasErrorPrefix(err, "NOSCRIPT") {
			return nil, errors.Wrap(err, "evalsha")
		}
		if err := rdb.ScriptLoad(ctx, s.src).Err(); err != nil {
			return nil, errors.Wrap(err, "script load")
		}
	}
}

// RunInt is Run for scripts returning an integer reply.
func (s *Script) RunInt(ctx context.Context, rdb r.Scripter, keys []string, args ...interface{}) (int64, error) {
	res, err := s.Run(ctx, rdb, keys, args...)
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.Errorf("script returned %T, want integer", res)
	}
	return n, nil
}

// RunStrings is Run for scripts returning a flat array reply.
func (s *Script) RunStrings(ctx context.Context, rdb r.Scripter, keys []string, args ...interface{}) ([]string, error) {
	res, err := s.Run(ctx, rdb, keys, args...)
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, errors.Errorf("script returned %T, want array", res)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("script array element is %T, want string", v)
		}
		out = append(out, s)
	}
	return out, nil
}
