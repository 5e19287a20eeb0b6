package repositories

import (
	"context"
	"time"

	"carebridge/internal/core/ports"
	"carebridge/internal/infrastructure/distributed"
	"carebridge/internal/infrastructure/repositories/memory"
	pgrepo "carebridge/internal/infrastructure/repositories/postgres"
	redisrepo "carebridge/internal/infrastructure/repositories/redis"
	"carebridge/pkg/config"
	pkgdistributed "carebridge/pkg/distributed"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates adapters with fallback support: postgres for
// carts and visits, redis for the bus, locks and presence, memory when
// either backend is disabled or unreachable.
type RepositoryFactory struct {
	useRedis    bool
	usePostgres bool
	redisClient *redis.Client
	pool        *pgxpool.Pool
	instanceID  string
	lockTTL     time.Duration
	logger      *zap.SugaredLogger

	memCarts *memory.MemoryCartStore
	memRates *memory.MemoryRateSource
	feed     *pgrepo.ChangeFeed
	bus      ports.EventBus
	presence ports.PresenceRegistry
	visitLog *BatchedVisitLog
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:    cfg.Redis.Enabled,
		usePostgres: cfg.Postgres.Enabled,
		instanceID:  instanceID,
		lockTTL:     cfg.Cart.LockTTL,
		logger:      logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			InstanceID: instanceID,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to in-process bus and locks",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis event bus, locks and presence")
		}
	}

	if cfg.Postgres.Enabled {
		pool, err := pgrepo.NewPool(ctx, pgrepo.PoolConfig{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Postgres, falling back to memory repositories",
				"error", err,
			)
			factory.usePostgres = false
		} else {
			factory.pool = pool
			if cfg.Postgres.Migrate {
				if err := pgrepo.Migrate(ctx, pool, logger); err != nil {
					pool.Close()
					return nil, err
				}
			}
			logger.Info("using Postgres repositories")
		}
	}

	if !factory.usePostgres {
		factory.memCarts = memory.NewMemoryCartStore()
		factory.memRates = memory.NewMemoryRateSource()
		logger.Info("using memory repositories")
	}

	return factory, nil
}

func (f *RepositoryFactory) CreateVisitRepository() ports.VisitRepository {
	if f.usePostgres {
		return pgrepo.NewVisitRepository(f.pool)
	}
	if f.useRedis {
		return redisrepo.NewRedisVisitRepository(f.redisClient)
	}
	return memory.NewMemoryVisitRepository()
}

// CreateVisitLog returns a non-blocking visit log; the factory flushes it
// on Close.
func (f *RepositoryFactory) CreateVisitLog() ports.VisitLog {
	if f.visitLog == nil {
		var inner ports.VisitLog = memory.NewMemoryVisitLog()
		if f.usePostgres {
			inner = pgrepo.NewVisitLog(f.pool)
		}
		f.visitLog = NewBatchedVisitLog(inner, 50, time.Second, f.logger)
	}
	return f.visitLog
}

func (f *RepositoryFactory) CreateCartStore() ports.CartStore {
	if f.usePostgres {
		return pgrepo.NewCartStore(f.pool)
	}
	return f.memCarts
}

func (f *RepositoryFactory) CreateRateSource() ports.RateSource {
	if f.usePostgres {
		return pgrepo.NewRateSource(f.pool)
	}
	return f.memRates
}

// CreateCartChangeFeed returns the shared change feed; one LISTEN
// connection serves every cart.
func (f *RepositoryFactory) CreateCartChangeFeed() ports.CartChangeFeed {
	if f.usePostgres {
		if f.feed == nil {
			f.feed = pgrepo.NewChangeFeed(f.pool, f.logger)
		}
		return f.feed
	}
	return f.memCarts
}

// MemoryCarts exposes the in-process cart store for seeding; nil when
// Postgres is in use.
func (f *RepositoryFactory) MemoryCarts() *memory.MemoryCartStore {
	return f.memCarts
}

func (f *RepositoryFactory) MemoryRates() *memory.MemoryRateSource {
	return f.memRates
}

func (f *RepositoryFactory) CreateEventBus() ports.EventBus {
	if f.bus == nil {
		if f.useRedis {
			f.bus = distributed.NewEventBus(f.redisClient, f.instanceID, f.logger)
		} else {
			f.bus = distributed.NewMemoryBus()
		}
	}
	return f.bus
}

func (f *RepositoryFactory) CreatePresenceRegistry() ports.PresenceRegistry {
	if f.presence == nil {
		if f.useRedis {
			f.presence = distributed.NewPresenceRegistry(f.redisClient, f.instanceID, f.logger)
		} else {
			f.presence = distributed.NewMemoryPresence()
		}
	}
	return f.presence
}

func (f *RepositoryFactory) CreateLocker() ports.Locker {
	if f.useRedis {
		manager := pkgdistributed.NewLockManager(f.redisClient, "carebridge:lock:", f.lockTTL)
		return distributed.NewLocker(manager, f.logger)
	}
	return distributed.NewMemoryLocker()
}

func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Pool() *pgxpool.Pool {
	return f.pool
}

// Close releases the bus, the change feed and the backend connections.
func (f *RepositoryFactory) Close() error {
	if f.visitLog != nil {
		f.visitLog.Close()
	}
	if f.feed != nil {
		f.feed.Close()
	}
	if f.bus != nil {
		f.bus.Close()
	}
	if p, ok := f.presence.(*distributed.PresenceRegistry); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Cleanup(ctx); err != nil {
			f.logger.Warnw("failed to clean up presence", "error", err)
		}
		cancel()
	}
	if f.pool != nil {
		f.pool.Close()
	}
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings every backend in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if f.usePostgres && f.pool != nil {
		return f.pool.Ping(ctx)
	}
	return nil
}
