package database

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/cache"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Driver, configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}

		cacheInstance, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("Error creating cache: %v", errCache)
			// Continue without cache instead of failing completely.
		}

		instance = &Datasource{Conn: con, Cache: cacheInstance}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB establishes a pooled database connection for the configured
// driver and bootstraps the schema. The inline DDL targets PostgreSQL; for
// other drivers run the bundled migrations instead.
func ConnectDB(driver, dns string) (*sql.DB, error) {
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}

	if driver == "postgres" {
		if err := bootstrapTables(db); err != nil {
			return nil, err
		}
	}

	log.Println("Database connection established ✅")
	return db, nil
}

func bootstrapTables(db *sql.DB) error {
	if err := createOrderTable(db); err != nil {
		return fmt.Errorf("creating orders table: %w", err)
	}
	if err := createTransactionRecordTable(db); err != nil {
		return fmt.Errorf("creating transaction_records table: %w", err)
	}
	return nil
}

// createOrderTable creates a PostgreSQL table for the Order struct
func createOrderTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			product_id TEXT NOT NULL,
			amount DECIMAL NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			meta_data JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
		CREATE INDEX IF NOT EXISTS idx_orders_expires_at ON orders(expires_at);
		CREATE INDEX IF NOT EXISTS idx_orders_transaction_id ON orders(transaction_id)
	`)
	if err != nil {
		log.Printf("Error creating orders table: %v", err)
	}
	return err
}

// createTransactionRecordTable creates a PostgreSQL table for store
// transaction audit records. The finished flag backs finish idempotence and
// the exactly-once completion check.
func createTransactionRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transaction_records (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			original_transaction_id TEXT,
			product_id TEXT NOT NULL,
			state TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 1,
			receipt_hash TEXT,
			failure_reason TEXT,
			retryable BOOLEAN NOT NULL DEFAULT FALSE,
			finished BOOLEAN NOT NULL DEFAULT FALSE,
			finished_at TIMESTAMP,
			occurred_at TIMESTAMP,
			recorded_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_txn_records_finished ON transaction_records(finished);
		CREATE INDEX IF NOT EXISTS idx_txn_records_receipt_hash ON transaction_records(receipt_hash)
	`)
	if err != nil {
		log.Printf("Error creating transaction_records table: %v", err)
	}
	return err
}
