package config

import (
	"os"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

func init() {
	godotenv.Load()
}

// DatabaseDSN builds the sync database DSN from DB_USER, DB_PASSWORD, DB_HOST,
// DB_PORT and DB_NAME. DB_HOST=/cloudsql/<instance> dials the unix socket.
func DatabaseDSN() string {
	cfg := mysqlDriver.NewConfig()
	cfg.User = os.Getenv("DB_USER")
	cfg.Passwd = os.Getenv("DB_PASSWORD")
	cfg.DBName = os.Getenv("DB_NAME")
	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.Loc = time.UTC

	host := os.Getenv("DB_HOST")
	if strings.HasPrefix(host, "/cloudsql/") {
		cfg.Net = "unix"
		cfg.Addr = host
	} else {
		cfg.Net = "tcp"
		cfg.Addr = host + ":" + os.Getenv("DB_PORT")
	}
	return cfg.FormatDSN()
}

type poolSettings struct {
	maxOpen  int
	maxIdle  int
	lifetime time.Duration
}

// DB_MAX_OPEN_CONNS (10), DB_MAX_IDLE_CONNS (5), DB_CONN_MAX_LIFETIME_SECONDS (300).
// A sync run is one sequential goroutine, so the pool stays small.
func poolFromEnv() poolSettings {
	return poolSettings{
		maxOpen:  intFromEnv("DB_MAX_OPEN_CONNS", 10),
		maxIdle:  intFromEnv("DB_MAX_IDLE_CONNS", 5),
		lifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
	}
}

// ConnectDatabaseWithRetry blocks until MySQL answers and sets the global DB.
func ConnectDatabaseWithRetry() {
	log := GetLogger().WithField("module", "Config")
	dsn := DatabaseDSN()
	pool := poolFromEnv()

	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(dsn), gormConfig())
		if err == nil {
			if sqlDB, derr := conn.DB(); derr == nil {
				if pool.maxOpen > 0 {
					sqlDB.SetMaxOpenConns(pool.maxOpen)
				}
				if pool.maxIdle >= 0 {
					sqlDB.SetMaxIdleConns(pool.maxIdle)
				}
				if pool.lifetime > 0 {
					sqlDB.SetConnMaxLifetime(pool.lifetime)
				}
			}
			if perr := conn.Use(otelgorm.NewPlugin()); perr != nil {
				log.WithError(perr).Warn("otelgorm plugin not installed")
			}
			db = conn
			log.WithField("attempt", attempt).Info("connected to database")
			return
		}

		wait := backoff(attempt)
		log.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).WithError(err).Warn("database not reachable")
		time.Sleep(wait)
	}
}

// backoff is 2s, 4s, 8s, 16s then 30s.
func backoff(attempt int) time.Duration {
	if attempt > 5 {
		return 30 * time.Second
	}
	return time.Duration(1<<attempt) * time.Second
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLogger(),
		NamingStrategy: schema.NamingStrategy{},
	}
}

// gormLogger routes SQL logging through logrus. GORM_LOG_LEVEL=info logs every
// statement; the default is errors and slow queries.
func gormLogger() logger.Interface {
	level := logger.Error
	if strings.EqualFold(os.Getenv("GORM_LOG_LEVEL"), "info") {
		level = logger.Info
	}
	return logger.New(gormWriter{GetLogger()}, logger.Config{
		LogLevel:                  level,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}

type gormWriter struct {
	log *logrus.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.WithField("module", "Gorm").Infof(format, args...)
}
