package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"bucketd/internal/config"
	"bucketd/internal/keyvalue"
	"bucketd/internal/keyvalue/bolt"
	"bucketd/internal/keyvalue/memory"
	"bucketd/internal/keyvalue/redis"
	"bucketd/internal/keyvalue/s3"
)

// FromConfig builds a Registry for cfg.Buckets and cfg's grants. Backends
// used by at least one bucket are opened eagerly so configuration errors
// surface at startup; buckets themselves are created lazily.
func FromConfig(ctx context.Context, cfg *config.Config) (*Registry, error) {
	r := New()
	pageSize := cfg.Storage.PageSize

	var (
		boltDB  *bolt.DB
		redisCl *redis.Client
		s3Store *s3.Store
	)
	fail := func(err error) (*Registry, error) {
		_ = r.Close()
		return nil, err
	}

	for _, b := range cfg.Buckets {
		switch b.Backend {
		case config.BackendMemory:
			r.Register(b.Name, func(string) (keyvalue.Bucket, error) {
				return memory.New(pageSize), nil
			})

		case config.BackendBolt:
			if boltDB == nil {
				path := config.ExpandHome(cfg.Storage.Bolt.Path)
				if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
					return fail(fmt.Errorf("creating bolt dir: %w", err))
				}
				db, err := bolt.Open(path, bolt.Options{PageSize: pageSize, Compress: cfg.Storage.Bolt.Compress})
				if err != nil {
					return fail(err)
				}
				boltDB = db
				r.OnClose(db)
			}
			db := boltDB
			r.Register(b.Name, func(id string) (keyvalue.Bucket, error) {
				return db.Bucket(id), nil
			})

		case config.BackendRedis:
			if redisCl == nil {
				rc := cfg.Storage.Redis
				redisCl = redis.New(redis.Options{
					Addr:      rc.Addr,
					Password:  rc.Password,
					DB:        rc.DB,
					Namespace: rc.Namespace,
					PageSize:  pageSize,
				})
				r.OnClose(redisCl)
				if err := redisCl.Ping(ctx); err != nil {
					log.Warn("redis not reachable yet", "addr", rc.Addr, "err", err)
				}
			}
			cl := redisCl
			r.Register(b.Name, func(id string) (keyvalue.Bucket, error) {
				return cl.Bucket(id), nil
			})

		case config.BackendS3:
			if s3Store == nil {
				sc := cfg.Storage.S3
				st, err := s3.New(ctx, s3.Args{
					Bucket:    sc.Bucket,
					Prefix:    sc.Prefix,
					Region:    sc.Region,
					Endpoint:  sc.Endpoint,
					PathStyle: sc.PathStyle,
					AccessKey: sc.AccessKey,
					SecretKey: sc.SecretKey,
					PageSize:  pageSize,
				})
				if err != nil {
					return fail(err)
				}
				s3Store = st
			}
			st := s3Store
			r.Register(b.Name, func(id string) (keyvalue.Bucket, error) {
				return st.Bucket(id), nil
			})

		default:
			return fail(fmt.Errorf("bucket %q: unknown backend %q", b.Name, b.Backend))
		}
	}

	for _, p := range cfg.Principals {
		if p.TokenHash != "" {
			if err := r.AddTokenHash(p.TokenHash, p.Name); err != nil {
				return fail(err)
			}
		} else {
			r.AddToken(p.Token, p.Name)
		}
		r.Grant(p.Name, p.Buckets...)
	}
	if len(cfg.Access.Anonymous) > 0 {
		r.Grant("", cfg.Access.Anonymous...)
	}

	return r, nil
}
