package capabilities

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// DatabaseExporter inserts record items into a SQL table, one row per
// item, inside a single transaction.
type DatabaseExporter struct {
	logger logger.Logger

	mu          sync.Mutex
	connections map[string]*sql.DB
}

type DatabaseExporterConfig struct {
	Driver  string   `json:"driver"` // postgres, mysql or sqlite
	DSN     string   `json:"dsn"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Timeout int      `json:"timeout"` // seconds
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func NewDatabaseExporter(log logger.Logger) *DatabaseExporter {
	return &DatabaseExporter{
		logger:      log,
		connections: make(map[string]*sql.DB),
	}
}

func (e *DatabaseExporter) Type() string {
	return workflow.NodeTypeDatabaseExporter
}

func (e *DatabaseExporter) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	config, err := e.parseConfig(node.Config)
	if err != nil {
		return nil, err
	}

	db, err := e.getConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(config.Timeout)*time.Second)
		defer cancel()
	}

	exported, err := e.insertAll(ctx, db, config, input)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Exported records", "table", config.Table, "rows", exported)
	return workflow.FromValues(map[string]interface{}{
		"table":    config.Table,
		"exported": exported,
	}), nil
}

// Close closes every pooled connection.
func (e *DatabaseExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, db := range e.connections {
		if err := db.Close(); err != nil {
			e.logger.Error("Failed to close database connection", "error", err)
		}
	}
	e.connections = make(map[string]*sql.DB)
	return nil
}

func (e *DatabaseExporter) parseConfig(raw map[string]interface{}) (*DatabaseExporterConfig, error) {
	var config DatabaseExporterConfig
	if err := parseConfig(raw, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if config.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if len(config.Columns) == 0 {
		return nil, fmt.Errorf("at least one column is required")
	}
	if !identifierPattern.MatchString(config.Table) {
		return nil, fmt.Errorf("invalid table name: %s", config.Table)
	}
	for _, col := range config.Columns {
		if !identifierPattern.MatchString(col) {
			return nil, fmt.Errorf("invalid column name: %s", col)
		}
	}
	if config.Driver == "" {
		config.Driver = "postgres"
	}
	switch config.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("invalid database driver: %s", config.Driver)
	}
	if config.Timeout == 0 {
		config.Timeout = 30
	}
	return &config, nil
}

func (e *DatabaseExporter) getConnection(config *DatabaseExporterConfig) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if db, exists := e.connections[config.DSN]; exists {
		if err := db.Ping(); err == nil {
			return db, nil
		}
		delete(e.connections, config.DSN)
		db.Close()
	}

	driverName := config.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, config.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	e.connections[config.DSN] = db
	return db, nil
}

func (e *DatabaseExporter) insertAll(ctx context.Context, db *sql.DB, config *DatabaseExporterConfig, input *workflow.ExecutionData) (int, error) {
	query := e.buildInsert(config)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	exported := 0
	for _, item := range input.Items {
		values := make([]interface{}, len(config.Columns))
		for i, col := range config.Columns {
			values[i] = item.JSON[col]
		}
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert failed: %w", err)
		}
		exported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return exported, nil
}

func (e *DatabaseExporter) buildInsert(config *DatabaseExporterConfig) string {
	placeholders := make([]string, len(config.Columns))
	for i := range config.Columns {
		if config.Driver == "postgres" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		config.Table,
		strings.Join(config.Columns, ", "),
		strings.Join(placeholders, ", "),
	)
}
