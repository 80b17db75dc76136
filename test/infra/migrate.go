package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskwiser/db"
)

// AppName tags every connection the stress pool opens, so chaos only
// terminates our own backends.
const AppName = "taskwiser-stress"

// Prepare opens a pool on dsn and applies the embedded migrations. With
// isolate set, everything lives in a fresh schema that the returned teardown
// drops again, which keeps runs against a shared database apart.
func Prepare(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: parse dsn: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = AppName
	cfg.MaxConns = 16

	teardown := func(context.Context) error { return nil }
	if isolate {
		ident := pgx.Identifier{fmt.Sprintf("stress_%d", time.Now().UnixNano())}.Sanitize()
		if err := execOnce(ctx, dsn, "CREATE SCHEMA "+ident); err != nil {
			return nil, nil, err
		}
		setPath := "SET search_path TO " + ident
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
		teardown = func(ctx context.Context) error {
			return execOnce(ctx, dsn, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: connect pool: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = teardown(ctx)
		return nil, nil, err
	}
	return pool, teardown, nil
}

func execOnce(ctx context.Context, dsn, stmt string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("infra: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("infra: %s: %w", stmt, err)
	}
	return nil
}
