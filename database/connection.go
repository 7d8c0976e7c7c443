package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

type DatabaseConfig struct {
	Host     string
	User     string
	Password string
	DBName   string
}

// DSN builds the driver connection string. Times are parsed into time.Time.
func (c DatabaseConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Host
	cfg.DBName = c.DBName
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

type Connection struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewConnection(config DatabaseConfig, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("mysql", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	conn := &Connection{db: db, logger: logger}
	if err := conn.ensureConnection(); err != nil {
		db.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Connection) ensureConnection() error {
	for retries := 0; retries < 3; retries++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.db.PingContext(ctx)
		cancel()

		if err == nil {
			return nil
		}

		c.logger.Warn("database ping failed", zap.Int("attempt", retries+1), zap.Error(err))
		time.Sleep(time.Second * time.Duration(retries+1))
	}
	return fmt.Errorf("failed to establish database connection after 3 attempts")
}

func (c *Connection) Close() error {
	return c.db.Close()
}

func (c *Connection) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Connection) GetDB() *sql.DB {
	return c.db
}
