package presets

import (
	"strings"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
	"github.com/mirkobrombin/go-storelock/v1/lock"
	"github.com/mirkobrombin/go-storelock/v1/signal"
)

// RedisOptions configures the connection to Redis. A non-nil Client is used
// as is and the address fields are ignored.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Client   *redis.Client
	// Channel overrides the pub/sub channel carrying change signals.
	Channel string
}

func (o RedisOptions) client() *redis.Client {
	if o.Client != nil {
		return o.Client
	}
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewInMemory creates a Locker for contexts living in one process. Lockers
// built from the same bus and store contend with each other like tabs of
// one browser origin. Nil arguments are replaced by fresh instances.
func NewInMemory(bus *signal.InMemoryBus, store *adapter.InMemoryStore, opts ...lock.Option) (*lock.Locker, error) {
	if bus == nil {
		bus = signal.NewInMemoryBus()
	}
	if store == nil {
		store = adapter.NewInMemoryStore()
	}
	return lock.New(store, append([]lock.Option{lock.WithSignal(bus)}, opts...)...)
}

// NewRedis creates a Locker using Redis both as the shared store and as the
// change signal.
func NewRedis(o RedisOptions, opts ...lock.Option) (*lock.Locker, error) {
	client := o.client()
	store := adapter.NewRedisStore(client)
	bus := signal.NewRedisBus(signal.RedisBusOptions{Client: client, Channel: o.Channel})
	return lock.New(store, append([]lock.Option{lock.WithSignal(bus)}, opts...)...)
}

// NewNATS creates a Locker over store that carries change signals on NATS.
func NewNATS(store adapter.Store, conn *nats.Conn, opts ...lock.Option) (*lock.Locker, error) {
	bus := signal.NewNATSBus(conn, "")
	return lock.New(store, append([]lock.Option{lock.WithSignal(bus)}, opts...)...)
}

// NewSQLite creates a Locker whose records live in the SQLite database at
// path. SQLite has no change notification, so waiters rely on the idle
// timeout unless a signal is passed through opts.
func NewSQLite(path string, opts ...lock.Option) (*lock.Locker, error) {
	store, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return lock.New(store, opts...)
}

// OpenSQLite opens the SQLite database at path as a Store. Plain paths get
// a busy timeout so that several processes can share the file.
func OpenSQLite(path string) (*adapter.GormStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return adapter.NewGormStore(db)
}
