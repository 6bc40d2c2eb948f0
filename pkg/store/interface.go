package store

import (
	"errors"
	"time"

	"github.com/psantana5/agent-guardian/pkg/models"
)

var (
	ErrWorkloadNotFound     = errors.New("workload not found")
	ErrRunNotFound          = errors.New("run not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrUnsupportedDatabase  = errors.New("unsupported database type")
)

// Store defines the interface for guardian persistence.
// MemoryStore, SQLiteStore and PostgreSQLStore implement it.
type Store interface {
	// Workload operations
	SaveWorkload(w *models.Workload) error
	GetWorkload(id string) (*models.Workload, error)
	GetWorkloadByPath(path string) (*models.Workload, error)
	ListWorkloads() ([]*models.Workload, error)
	DeleteWorkload(id string) error

	// Decision run operations
	SaveRun(run *models.RunRecord) error
	GetRun(id string) (*models.RunRecord, error)
	ListRuns(workloadID string, limit int) ([]*models.RunRecord, error)

	// Escalation records
	CreateEscalation(rec *models.EscalationRecord) error
	ListEscalations(workloadID string) ([]*models.EscalationRecord, error)

	// Deferred notifications
	CreateNotification(n *models.Notification) error
	ListNotifications(pendingOnly bool) ([]*models.Notification, error)
	MarkNotificationDelivered(id string, at time.Time) error

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type" yaml:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn" yaml:"dsn"`   // file path for sqlite, connection string for postgres

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime,omitempty"`
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "guardian.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
