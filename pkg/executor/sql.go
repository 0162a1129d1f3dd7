package executor

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dagforge/dagforge/pkg/models"
)

// SQLConfig is the config payload for sql tasks.
type SQLConfig struct {
	Driver string        `json:"driver,omitempty"` // Defaults to postgres
	DSN    string        `json:"dsn"`
	Query  string        `json:"query"`
	Args   []interface{} `json:"args,omitempty"`
}

// sqlOutput is the row-set a successful sql task writes downstream.
type sqlOutput struct {
	Rows     []map[string]interface{} `json:"rows"`
	RowCount int                      `json:"row_count"`
}

type SQLRunner struct{}

func NewSQLRunner() *SQLRunner {
	return &SQLRunner{}
}

func (r *SQLRunner) Kind() models.TaskKind {
	return models.SQLTask
}

// Run opens a connection per attempt; the runner holds no state across
// invocations. Connection failures are infrastructure errors, query
// failures are execution errors.
func (r *SQLRunner) Run(ctx context.Context, req Request) Result {
	var cfg SQLConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return Failure(models.ValidationError, "invalid sql config: %v", err)
	}
	if cfg.DSN == "" || cfg.Query == "" {
		return Failure(models.ValidationError, "sql config requires dsn and query")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return Failure(models.InfrastructureError, "open %s connection: %v", driver, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(models.TimeoutError, "connect to %s: %v", driver, err)
		}
		return Failure(models.InfrastructureError, "connect to %s: %v", driver, err)
	}

	rows, err := db.QueryxContext(ctx, cfg.Query, cfg.Args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(models.TimeoutError, "query timed out: %v", err)
		}
		return Failure(models.ExecutionError, "query failed: %v", err)
	}
	defer rows.Close()

	out := sqlOutput{Rows: []map[string]interface{}{}}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return Failure(models.ExecutionError, "scan row: %v", err)
		}
		for k, v := range row {
			// lib/pq hands back []byte for text columns
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Failure(models.ExecutionError, "iterate rows: %v", err)
	}
	out.RowCount = len(out.Rows)

	encoded, err := json.Marshal(out)
	if err != nil {
		return Failure(models.ExecutionError, "encode row set: %v", err)
	}
	return Success(encoded)
}
