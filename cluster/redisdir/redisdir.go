// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package redisdir implements the cluster coordination primitives on top of
// redis.
//
// Locks are plain SET NX keys with a TTL and an owner token; release is a
// compare-and-delete Lua script so that an expired lock reacquired by another
// node is never deleted by the original holder. Sets are native redis sets,
// which disappear when their last member is removed, matching the SetStore
// contract.
package redisdir // import "mellium.im/xmppd/cluster/redisdir"

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mellium.im/xmppd/cluster"
)

// Default lock tuning. TTL bounds the damage of a crashed holder; the retry
// delay bounds polling load on the redis server.
const (
	DefaultLockTTL    = 30 * time.Second
	DefaultRetryDelay = 10 * time.Millisecond
	maxRetryDelay     = 500 * time.Millisecond
)

// releaseScript deletes the lock key only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Options configures a Directory.
type Options struct {
	// Prefix is prepended to every redis key written by the directory. It
	// should be unique per logical directory (for example "xmppd:disco:").
	Prefix string

	// LockTTL is how long an acquired lock survives a crashed holder.
	LockTTL time.Duration

	// RetryDelay is the initial delay between lock acquisition attempts. The
	// delay doubles on each failed attempt up to an internal cap.
	RetryDelay time.Duration
}

// Directory implements cluster.LockManager and cluster.SetStore on a redis
// client.
type Directory struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	delay  time.Duration
}

var (
	_ cluster.LockManager = (*Directory)(nil)
	_ cluster.SetStore    = (*Directory)(nil)
)

// New returns a Directory using the given client. The client is pinged to
// verify connectivity.
func New(ctx context.Context, client redis.UniversalClient, opts Options) (*Directory, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisdir: ping: %w", err)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Directory{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.LockTTL,
		delay:  opts.RetryDelay,
	}, nil
}

func (d *Directory) lockKey(key string) string { return d.prefix + "lock:" + key }
func (d *Directory) setKey(key string) string  { return d.prefix + "set:" + key }

// Lock acquires the named lock, polling with backoff until it is held or ctx
// is done. The returned function releases the lock; releasing an already
// expired lock is a harmless no-op.
func (d *Directory) Lock(ctx context.Context, key string) (func(), error) {
	owner := uuid.NewString()
	lockKey := d.lockKey(key)
	delay := d.delay

	for {
		ok, err := d.client.SetNX(ctx, lockKey, owner, d.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redisdir: acquire %q: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	return func() {
		// Use a fresh context: the caller's may already be done and the lock
		// should still be released promptly rather than waiting out the TTL.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, d.client, []string{lockKey}, owner).Err()
	}, nil
}

// Add satisfies the cluster.SetStore interface.
func (d *Directory) Add(ctx context.Context, key, member string) error {
	return d.client.SAdd(ctx, d.setKey(key), member).Err()
}

// Remove satisfies the cluster.SetStore interface.
func (d *Directory) Remove(ctx context.Context, key, member string) error {
	return d.client.SRem(ctx, d.setKey(key), member).Err()
}

// Members satisfies the cluster.SetStore interface.
func (d *Directory) Members(ctx context.Context, key string) ([]string, error) {
	members, err := d.client.SMembers(ctx, d.setKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	return members, nil
}

// Keys satisfies the cluster.SetStore interface. It scans rather than using
// KEYS so that large directories do not block the redis server.
func (d *Directory) Keys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := d.setKey("*")
	for {
		batch, next, err := d.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, k[len(d.prefix)+len("set:"):])
		}
		if cursor = next; cursor == 0 {
			return keys, nil
		}
	}
}
