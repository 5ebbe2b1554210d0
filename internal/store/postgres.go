package store

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"omes/internal/ops"
	"omes/internal/schema"
	"omes/pkg/exception"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Client wraps a PostgreSQL connection pool holding the order, trade and
// position tables of one session.
type Client struct {
	session string
	db      *gorm.DB
	closed  atomic.Bool
}

// Open connects to PostgreSQL and migrates the tables.
func Open(cfg ops.PostgresConfig, session string, config *gorm.Config) (*Client, error) {
	if !cfg.Enabled {
		return nil, exception.ErrDatabaseDisabled
	}
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(DSN(cfg)), config)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	c, err := NewClient(db, session)
	if err != nil {
		return nil, err
	}
	logs.Infof("connected to postgres, host: %s, database: %s, session: %s", cfg.Host, cfg.Database, session)
	return c, nil
}

// NewClient migrates the tables on an open database.
func NewClient(db *gorm.DB, session string) (*Client, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	if err := db.AutoMigrate(&OrderRecord{}, &TradeRecord{}, &PositionRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate tables")
	}
	return &Client{session: session, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.closed.Swap(true) || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveOrder inserts or replaces an order row.
func (c *Client) SaveOrder(ctx context.Context, rec OrderRecord) error {
	if c.closed.Load() {
		return exception.ErrConnectionClose
	}
	rec.Session = c.session
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// SaveTrade inserts or replaces a trade row.
func (c *Client) SaveTrade(ctx context.Context, rec TradeRecord) error {
	if c.closed.Load() {
		return exception.ErrConnectionClose
	}
	rec.Session = c.session
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// LoadPositions reads the positions carried over from the last session.
func (c *Client) LoadPositions(ctx context.Context) (map[schema.SecSid]schema.Quantity, error) {
	if c.closed.Load() {
		return nil, exception.ErrConnectionClose
	}
	var rows []PositionRecord
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load positions")
	}
	return positionMap(rows), nil
}

// SavePositions replaces the stored positions.
func (c *Client) SavePositions(ctx context.Context, positions map[schema.SecSid]schema.Quantity) error {
	if c.closed.Load() {
		return exception.ErrConnectionClose
	}
	rows := positionRecords(positions, time.Now().UTC())
	if len(rows) == 0 {
		return nil
	}
	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
		return errors.Wrap(err, "save positions")
	}
	return nil
}

// LatestSids returns the highest order and trade sids stored for the session.
func (c *Client) LatestSids(ctx context.Context) (schema.OrdSid, schema.TradeSid, error) {
	if c.closed.Load() {
		return 0, 0, exception.ErrConnectionClose
	}
	var ordSid, tradeSid int32
	db := c.db.WithContext(ctx)
	if err := db.Model(&OrderRecord{}).Where("session = ?", c.session).
		Select("COALESCE(MAX(ord_sid), 0)").Scan(&ordSid).Error; err != nil {
		return 0, 0, errors.Wrap(err, "load latest ord sid")
	}
	if err := db.Model(&TradeRecord{}).Where("session = ?", c.session).
		Select("COALESCE(MAX(trade_sid), 0)").Scan(&tradeSid).Error; err != nil {
		return 0, 0, errors.Wrap(err, "load latest trade sid")
	}
	return schema.OrdSid(ordSid), schema.TradeSid(tradeSid), nil
}

// DSN builds the connection string. An explicit DSN wins.
func DSN(cfg ops.PostgresConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}

	host := cfg.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}

	if cfg.Database != "" {
		u.Path = "/" + cfg.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range cfg.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String()
}
