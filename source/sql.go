package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/logger"
)

// SQL reads raw data from a database query.
type SQL struct {
	db  *sqlx.DB
	log *logger.Logger
}

// OpenSQL connects to a PostgreSQL database.
func OpenSQL(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return NewSQL(db), nil
}

// NewSQL wraps an open database handle.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db, log: logger.Default().With("source", "sql")}
}

// Close closes the database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Query runs query and returns one row per result row, keyed by column
// name. NULLs are missing, integers become float64 like CSV numbers, and
// byte slices become strings.
func (s *SQL) Query(ctx context.Context, query string, args ...any) (*fhirflat.Table, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	table := fhirflat.NewTable()
	for rows.Next() {
		raw := make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("scan row %d: %w", table.Len(), err)
		}
		row := make(fhirflat.FlatRow, len(raw))
		for k, v := range raw {
			row[k] = sqlValue(v)
		}
		table.Append(row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	s.log.Debug("read %d rows", table.Len())
	return table, nil
}

func sqlValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format(time.DateOnly)
		}
		return val.Format(time.RFC3339)
	default:
		return v
	}
}
