package infra

import (
	"context"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts a throwaway Postgres container and returns its DSN.
func StartPostgres(ctx context.Context) (*PGContainer, string, error) {
	pgC, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase("taskwiser"),
		postgres.WithUsername("taskwiser"),
		postgres.WithPassword("taskwiser"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Terminate is a no-op for a shared database.
func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
