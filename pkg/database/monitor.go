package database

import (
	"time"

	"gorm.io/gorm"

	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/metrics"
)

// SlowQueryThreshold marks queries worth logging on their own.
const SlowQueryThreshold = 100 * time.Millisecond

// Monitor times queries through gorm callbacks and samples connection
// pool statistics on an interval.
type Monitor struct {
	db       *DB
	logger   logger.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewMonitor(db *DB, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Monitor{
		db:       db,
		logger:   log,
		interval: 15 * time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start registers the query callbacks and begins pool sampling.
func (m *Monitor) Start() {
	cb := m.db.Callback()
	cb.Query().Before("gorm:query").Register("monitor:query_start", startTimer)
	cb.Query().After("gorm:query").Register("monitor:query_observe", m.observe)
	cb.Create().Before("gorm:create").Register("monitor:create_start", startTimer)
	cb.Create().After("gorm:create").Register("monitor:create_observe", m.observe)
	cb.Update().Before("gorm:update").Register("monitor:update_start", startTimer)
	cb.Update().After("gorm:update").Register("monitor:update_observe", m.observe)
	cb.Delete().Before("gorm:delete").Register("monitor:delete_start", startTimer)
	cb.Delete().After("gorm:delete").Register("monitor:delete_observe", m.observe)

	go m.loop()
}

func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.samplePool()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) samplePool() {
	sqlDB, err := m.db.DB.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	metrics.RecordDBPool(stats.OpenConnections, stats.InUse, stats.Idle)
}

func startTimer(db *gorm.DB) {
	db.InstanceSet("monitor:start", time.Now())
}

func (m *Monitor) observe(db *gorm.DB) {
	v, ok := db.InstanceGet("monitor:start")
	if !ok {
		return
	}
	started, ok := v.(time.Time)
	if !ok {
		return
	}

	elapsed := time.Since(started)
	slow := elapsed >= SlowQueryThreshold
	metrics.RecordDBQuery(elapsed.Seconds(), slow)
	if slow {
		m.logger.Warn("Slow query",
			"duration", elapsed.String(),
			"table", db.Statement.Table,
			"rows", db.RowsAffected)
	}
}
