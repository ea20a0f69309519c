// Package factory opens the storage backend selected in configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/eventmesh/config"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/storage/badger"
	"github.com/goclaw/eventmesh/pkg/storage/cassandra"
	"github.com/goclaw/eventmesh/pkg/storage/memory"
	"github.com/goclaw/eventmesh/pkg/storage/mongostore"
	"github.com/goclaw/eventmesh/pkg/storage/redisstore"
	"github.com/goclaw/eventmesh/pkg/storage/sqlstore"
)

// Drivers lists the recognized storage driver names.
var Drivers = []string{"sql", "mongodb", "cassandra", "badger", "redis", "memory"}

// UnknownDriverError is returned for a storage driver name that is not recognized.
type UnknownDriverError struct {
	Name string
}

func (e *UnknownDriverError) Error() string {
	return fmt.Sprintf("unknown storage driver %q (supported: %v)", e.Name, Drivers)
}

// Open creates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (storage.Backend, error) {
	if log == nil {
		log = logger.Global()
	}

	switch cfg.Driver {
	case "sql":
		return sqlstore.Open(ctx, sqlstore.Config{
			Dialect:         cfg.SQL.Dialect,
			DSN:             cfg.SQL.DSN,
			Table:           cfg.SQL.Table,
			AutoMigrate:     cfg.SQL.AutoMigrate,
			MaxOpenConns:    cfg.SQL.MaxOpenConns,
			MaxIdleConns:    cfg.SQL.MaxIdleConns,
			ConnMaxLifetime: cfg.SQL.ConnMaxLifetime,
			Timeout:         cfg.Timeout,
			Logger:          log,
		})

	case "mongodb":
		return mongostore.Open(ctx, mongostore.Config{
			ConnectionString: cfg.MongoDB.ConnectionString,
			Database:         cfg.MongoDB.Database,
			Collection:       cfg.MongoDB.Collection,
			Timeout:          cfg.Timeout,
			Logger:           log,
		})

	case "cassandra":
		return cassandra.Open(ctx, cassandra.Config{
			ContactPoints: cfg.Cassandra.ContactPoints,
			Keyspace:      cfg.Cassandra.Keyspace,
			Table:         cfg.Cassandra.Table,
			Consistency:   cfg.Cassandra.Consistency,
			Timeout:       cfg.Timeout,
			AutoMigrate:   true,
			Logger:        log,
		})

	case "badger":
		return badger.NewBadgerStorage(&badger.Config{
			Path:       cfg.Badger.Path,
			SyncWrites: cfg.Badger.SyncWrites,
			Logger:     log,
		})

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s := redisstore.New(client, redisstore.Config{
			Prefix:  cfg.Redis.Prefix,
			Timeout: cfg.Timeout,
			Logger:  log,
		})
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case "memory":
		return memory.NewMemoryStorage(), nil

	default:
		return nil, &UnknownDriverError{Name: cfg.Driver}
	}
}
