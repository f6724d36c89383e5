// Package redis maps keyvalue buckets onto a Redis keyspace. A bucket is
// the set of Redis keys sharing the prefix "<namespace>:<len>:<identifier>:",
// where len is the identifier's byte length so identifiers containing ':'
// cannot collide.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bucketd/internal/keyvalue"

	goredis "github.com/go-redis/redis/v8"
)

const backendName = "redis"

// Options configures a Client.
type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	PageSize  int
}

// Client owns the Redis connection pool shared by every Bucket.
type Client struct {
	rdb       goredis.UniversalClient
	namespace string
	pageSize  int
}

// New connects lazily; the first command dials.
func New(opts Options) *Client {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts.Namespace, opts.PageSize)
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(rdb goredis.UniversalClient, namespace string, pageSize int) *Client {
	if namespace == "" {
		namespace = "bucketd"
	}
	return &Client{rdb: rdb, namespace: namespace, pageSize: keyvalue.PageSize(pageSize)}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return keyvalue.Otherf("redis ping: %v", err)
	}
	return nil
}

// Bucket returns a handle for identifier.
func (c *Client) Bucket(identifier string) *Bucket {
	return &Bucket{client: c, prefix: fmt.Sprintf("%s:%d:%s:", c.namespace, len(identifier), identifier)}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Bucket implements keyvalue.Bucket on top of plain Redis strings.
type Bucket struct {
	client *Client
	prefix string
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, keyvalue.Otherf("redis get %q: %v", key, err)
	}
	return v, true, nil
}

func (b *Bucket) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.rdb.Set(ctx, b.prefix+key, value, 0).Err(); err != nil {
		return keyvalue.Otherf("redis set %q: %v", key, err)
	}
	return nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.client.rdb.Del(ctx, b.prefix+key).Err(); err != nil {
		return keyvalue.Otherf("redis del %q: %v", key, err)
	}
	return nil
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.rdb.Exists(ctx, b.prefix+key).Result()
	if err != nil {
		return false, keyvalue.Otherf("redis exists %q: %v", key, err)
	}
	return n > 0, nil
}

// ListKeys runs one SCAN step. SCAN may return empty pages before the
// iteration ends and may repeat keys that were modified meanwhile.
func (b *Bucket) ListKeys(ctx context.Context, cursor string) (keyvalue.KeyResponse, error) {
	c, err := keyvalue.DecodeCursor(backendName, cursor)
	if err != nil {
		return keyvalue.KeyResponse{}, err
	}
	var pos uint64
	if c.Token != "" {
		pos, err = strconv.ParseUint(c.Token, 10, 64)
		if err != nil {
			return keyvalue.KeyResponse{}, keyvalue.Otherf("invalid cursor: %v", err)
		}
	}

	raw, next, err := b.client.rdb.Scan(ctx, pos, escapePattern(b.prefix)+"*", int64(b.client.pageSize)).Result()
	if err != nil {
		return keyvalue.KeyResponse{}, keyvalue.Otherf("redis scan: %v", err)
	}

	resp := keyvalue.KeyResponse{Keys: make([]string, 0, len(raw))}
	for _, k := range raw {
		resp.Keys = append(resp.Keys, strings.TrimPrefix(k, b.prefix))
	}
	if next != 0 {
		resp.Cursor, err = keyvalue.EncodeCursor(keyvalue.Cursor{
			Backend: backendName,
			Token:   strconv.FormatUint(next, 10),
		})
		if err != nil {
			return keyvalue.KeyResponse{}, err
		}
	}
	return resp, nil
}

// escapePattern quotes the glob metacharacters understood by SCAN MATCH.
func escapePattern(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
