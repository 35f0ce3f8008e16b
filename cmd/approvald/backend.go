package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/approvalflow"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/config"
)

type backend struct {
	engine api.Engine
	ping   func(ctx context.Context) error
	close  func()
}

func openBackend(ctx context.Context, cfg config.Storage, c api.Collaborators, opts api.Options) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		eng, err := approvalflow.NewInMemoryEngine(c, opts)
		if err != nil {
			return nil, err
		}
		return &backend{engine: eng, close: func() {}}, nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		eng, err := approvalflow.NewSQLiteEngine(db, c, opts)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{engine: eng, ping: db.PingContext, close: func() { _ = db.Close() }}, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		eng, err := approvalflow.NewPostgresEngine(db, c, opts)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{engine: eng, ping: db.PingContext, close: func() { _ = db.Close() }}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		eng, err := approvalflow.NewRedisEngine(client, cfg.Redis.Prefix, c, opts)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{
			engine: eng,
			ping:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close:  func() { _ = client.Close() },
		}, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		eng, err := approvalflow.NewMongoEngine(client, cfg.Mongo.Database, c, opts)
		if err != nil {
			disconnect()
			return nil, err
		}
		return &backend{
			engine: eng,
			ping:   func(ctx context.Context) error { return client.Ping(ctx, nil) },
			close:  disconnect,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
