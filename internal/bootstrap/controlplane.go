package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ingestd/internal/config"
	"ingestd/internal/importer"
	"ingestd/internal/migrate"
	"ingestd/internal/repository"
	"ingestd/internal/store"
	postgrestracker "ingestd/internal/store/postgres"
)

// Deps bundles every collaborator the daemon needs, built from a loaded Config. Kept
// separate from Lifecycle so tests can construct Deps by hand with fakes.
type Deps struct {
	TrackingPool *pgxpool.Pool
	CatalogPool  *pgxpool.Pool
	Tracker      store.Tracker
	Repo         importer.Repository
}

// NewDepsFromConfig opens both Postgres pools (the tracking database this daemon owns,
// and the repository's own catalog database it only reads from) and runs pending
// migrations against the tracking database when cfg.RunMigrations is set. The backend is
// a fixed Postgres choice rather than a runtime switch, since the append-only event log
// and advisory-lock claim design are Postgres-specific.
func NewDepsFromConfig(ctx context.Context, cfg *config.Config) (*Deps, error) {
	if cfg.IngestTrackingDB == "" {
		return nil, fmt.Errorf("bootstrap: ingest_tracking_db is required")
	}
	trackingPool, err := pgxpool.New(ctx, cfg.IngestTrackingDB)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open tracking db: %w", err)
	}

	if cfg.RunMigrations {
		if err := migrate.Apply(ctx, trackingPool, migrate.Options{Run: true, AllowAutoStamp: cfg.AllowAutoStamp}); err != nil {
			trackingPool.Close()
			return nil, fmt.Errorf("bootstrap: apply migrations: %w", err)
		}
	}

	catalogDSN := catalogDSNFromOmero(cfg)
	catalogPool, err := pgxpool.New(ctx, catalogDSN)
	if err != nil {
		trackingPool.Close()
		return nil, fmt.Errorf("bootstrap: open repository catalog db: %w", err)
	}

	repo := repository.New(repository.Config{
		Host:     cfg.OmeroHost,
		Port:     cfg.OmeroPort,
		RootUser: cfg.OmeroUser,
		RootPass: cfg.OmeroPassword,
	}, catalogPool)

	return &Deps{
		TrackingPool: trackingPool,
		CatalogPool:  catalogPool,
		Tracker:      postgrestracker.New(trackingPool),
		Repo:         repo,
	}, nil
}

// Close releases both connection pools.
func (d *Deps) Close() {
	if d.TrackingPool != nil {
		d.TrackingPool.Close()
	}
	if d.CatalogPool != nil {
		d.CatalogPool.Close()
	}
}

// catalogDSNFromOmero builds the repository catalog DSN from the OMERO connection
// fields. The catalog database name is administrator-provisioned alongside the OMERO
// server itself, conventionally named "omero".
func catalogDSNFromOmero(cfg *config.Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:5432/omero?sslmode=disable", cfg.OmeroUser, cfg.OmeroPassword, cfg.OmeroHost)
}

// sessionTTL is a small helper kept here so Lifecycle and any future caller share one
// conversion point between config's millisecond field and time.Duration.
func sessionTTL(cfg *config.Config) time.Duration {
	return cfg.TTLForUserConn()
}
