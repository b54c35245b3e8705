// Package store is the DB layer of the ingest pipeline. One Client
// type serves both the embedded single-file backend (sqlite) and the
// clustered server backend (postgres); the DB is the task queue, so
// every multi-step mutation runs inside a locked transaction.
package store

import (
	"fmt"
	"sync"

	"github.com/op/go-logging"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/axonlab/ingest/models"
)

// Client is the single access point to the ingest store.
type Client struct {
	db       *gorm.DB
	embedded bool
	logger   *logging.Logger

	// sqliteLock serializes transactions in embedded mode, where the
	// backend has no row locks. Postgres mode never takes it.
	sqliteLock sync.Mutex
}

// NewSqliteClient opens (and migrates) an embedded single-file store.
// Use ":memory:" for tests.
func NewSqliteClient(path string, logger *logging.Logger) (*Client, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("cannot open sqlite store %s: %v", path, err)
	}
	client := &Client{db: db, embedded: true, logger: logger}
	if err = client.migrate(); err != nil {
		return nil, err
	}
	return client, nil
}

// NewPostgresClient opens (and migrates) a clustered store.
func NewPostgresClient(dsn string, logger *logging.Logger) (*Client, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("cannot open postgres store: %v", err)
	}
	client := &Client{db: db, embedded: false, logger: logger}
	if err = client.migrate(); err != nil {
		return nil, err
	}
	return client, nil
}

// NewClient opens the store described by the worker config.
func NewClient(config *models.WorkerConfig, logger *logging.Logger) (*Client, error) {
	switch config.DBType {
	case "sqlite", "":
		return NewSqliteClient(config.DBPath, logger)
	case "postgres":
		return NewPostgresClient(config.DBUrl, logger)
	}
	return nil, fmt.Errorf("unknown store backend %q", config.DBType)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
}

func (client *Client) migrate() error {
	return client.db.AutoMigrate(
		&models.Ingest{},
		&models.Task{},
		&models.Container{},
		&models.Item{},
		&models.UID{},
		&models.Error{},
		&models.Subject{},
		&models.Review{},
		&models.DeidLog{},
		&models.FWContainerMetadata{},
		&models.TaskStat{},
		&models.ItemStat{},
	)
}

// Embedded reports whether the client runs against the single-file
// backend. Callers must not change behavior on this; it exists for
// logging only.
func (client *Client) Embedded() bool {
	return client.embedded
}

// transaction runs fn inside a DB transaction. In embedded mode a
// process-wide mutex stands in for row locks.
func (client *Client) transaction(fn func(tx *gorm.DB) error) error {
	if client.embedded {
		client.sqliteLock.Lock()
		defer client.sqliteLock.Unlock()
	}
	return client.db.Transaction(fn)
}

// Add inserts one record of any schema type.
func (client *Client) Add(record interface{}) error {
	return client.transaction(func(tx *gorm.DB) error {
		return tx.Create(record).Error
	})
}

// Get loads the record with the given primary key into out.
func (client *Client) Get(out interface{}, id string) error {
	return client.db.First(out, "id = ?", id).Error
}

// FindOne loads the first record matching the conditions into out.
func (client *Client) FindOne(out interface{}, query string, args ...interface{}) error {
	return client.db.Where(query, args...).First(out).Error
}

// GetAll loads every record matching the conditions into out, which
// must be a pointer to a slice.
func (client *Client) GetAll(out interface{}, query string, args ...interface{}) error {
	db := client.db
	if query != "" {
		db = db.Where(query, args...)
	}
	return db.Find(out).Error
}

// CountAll counts records of model matching the conditions.
func (client *Client) CountAll(model interface{}, query string, args ...interface{}) (int64, error) {
	var count int64
	db := client.db.Model(model)
	if query != "" {
		db = db.Where(query, args...)
	}
	err := db.Count(&count).Error
	return count, err
}

// Update applies the given column updates to the record with id.
func (client *Client) Update(model interface{}, id string, updates map[string]interface{}) error {
	return client.transaction(func(tx *gorm.DB) error {
		return tx.Model(model).Where("id = ?", id).Updates(updates).Error
	})
}

// BulkInsert inserts all records in one transaction.
func (client *Client) BulkInsert(records []interface{}) error {
	if len(records) == 0 {
		return nil
	}
	return client.transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			if err := tx.Create(record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
