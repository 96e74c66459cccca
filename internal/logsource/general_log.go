package logsource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// MySQLConfig locates the database holding the general_log tables.
type MySQLConfig struct {
	Addr     string `mapstructure:"addr"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Net      string `mapstructure:"net"`
}

// DSN renders the driver connection string.
func (c MySQLConfig) DSN() string {
	driverConf := mysql.NewConfig()
	driverConf.User = c.User
	driverConf.Passwd = c.Password
	driverConf.Net = c.Net
	if driverConf.Net == "" {
		driverConf.Net = "tcp"
	}
	driverConf.Addr = c.Addr
	driverConf.DBName = c.Database
	driverConf.ParseTime = true
	driverConf.Loc = time.UTC
	return driverConf.FormatDSN()
}

const generalLogQuery = `SELECT event_time, user_host, thread_id, server_id, command_type, argument
FROM %s
WHERE command_type IN ('Execute', 'Query')
ORDER BY event_time`

// GeneralLog reads tables in the layout of mysql.general_log: one table per
// partition, e.g. 2010_04.
type GeneralLog struct {
	db     *sql.DB
	name   string
	logger *zap.Logger
}

// NewGeneralLog opens a connection pool. No connection is made until the
// first query.
func NewGeneralLog(cfg MySQLConfig, logger *zap.Logger) (*GeneralLog, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("logsource: open mysql: %w", err)
	}
	g := NewGeneralLogFromDB(db, logger)
	g.name = "mysql:" + cfg.Database
	return g, nil
}

// NewGeneralLogFromDB wraps an existing handle.
func NewGeneralLogFromDB(db *sql.DB, logger *zap.Logger) *GeneralLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeneralLog{db: db, name: "mysql", logger: logger.Named("logsource")}
}

func (g *GeneralLog) Name() string { return g.name }

// Ping verifies the server is reachable.
func (g *GeneralLog) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// Close releases the pool.
func (g *GeneralLog) Close() error { return g.db.Close() }

// Tables lists the tables of the configured database. Names that are not
// plain identifiers are skipped.
func (g *GeneralLog) Tables(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("logsource: show tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("logsource: scan table name: %w", err)
		}
		if err := ValidateTableName(name); err != nil {
			g.logger.Warn("skipping table", zap.String("table", name))
			continue
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Rows streams the reducible rows of table in event time order.
func (g *GeneralLog) Rows(ctx context.Context, table string, fn func(model.RawLogRow) error) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}

	rows, err := g.db.QueryContext(ctx, fmt.Sprintf(generalLogQuery, table))
	if err != nil {
		return fmt.Errorf("logsource: query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r        model.RawLogRow
			cmd      string
			argument []byte
		)
		if err := rows.Scan(&r.EventTime, &r.IdentityString, &r.ThreadID, &r.ServerID, &cmd, &argument); err != nil {
			return fmt.Errorf("logsource: scan %s: %w", table, err)
		}
		r.EventTime = r.EventTime.UTC()
		r.CommandType = model.CommandType(cmd)
		r.QueryText = string(argument)
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("logsource: read %s: %w", table, err)
	}
	return nil
}
