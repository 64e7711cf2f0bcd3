package history

import (
	"context"
	"fmt"
	"time"

	"github.com/Kdotropez/loto-news/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads draws from a table with columns
// draw_date (date) and numbers (int[]).
type PostgresSource struct {
	pool  *pgxpool.Pool
	query string
}

// ConnectPostgres opens a connection pool and pings the server.
func ConnectPostgres(ctx context.Context, dsn, table string) (*PostgresSource, error) {
	if table == "" {
		table = "draws"
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresSource{pool: pool, query: drawsQuery(table)}, nil
}

func drawsQuery(table string) string {
	return fmt.Sprintf("SELECT draw_date, numbers FROM %s ORDER BY draw_date ASC", pgx.Identifier{table}.Sanitize())
}

// Draws returns all draws ordered by date.
func (s *PostgresSource) Draws(ctx context.Context) ([]types.Draw, error) {
	rows, err := s.pool.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("failed to query draws: %w", err)
	}
	defer rows.Close()

	var draws []types.Draw
	for rows.Next() {
		var (
			date    time.Time
			numbers []int32
		)
		if err := rows.Scan(&date, &numbers); err != nil {
			return nil, fmt.Errorf("failed to scan draw: %w", err)
		}
		draw := types.Draw{Date: date.Format("2006-01-02"), Numbers: make([]int, len(numbers))}
		for i, n := range numbers {
			draw.Numbers[i] = int(n)
		}
		draws = append(draws, draw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read draws: %w", err)
	}
	return draws, nil
}

// Close releases the pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
