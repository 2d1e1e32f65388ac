// Package postgres implements store.Tracker against Postgres: a claim-SQL idiom
// (candidate scan, then FOR UPDATE SKIP LOCKED / pgx.ErrNoRows handling) combined with
// the advisory-lock claim technique this application already uses for migrations
// (internal/migrate), extended here from a single process-wide lock to a per-uuid
// transaction-scoped lock (pg_try_advisory_xact_lock) because the append-only event
// table needs that extra step beyond a plain row lock to avoid two workers claiming
// the same uuid.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingestd/internal/store"
)

// claimBatchSize bounds how many IMPORT_PENDING candidates ClaimNext will try locking
// per call before giving up and returning (nil, nil).
const claimBatchSize = 16

type Tracker struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Tracker {
	return &Tracker{pool: pool}
}

func advisoryKey(uuid string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("ingestd_claim:" + uuid))
	return int64(h.Sum64())
}

// ClaimNext implements store.Tracker: scan pending candidates, then try an
// advisory lock on each in order until one succeeds and is still pending.
func (t *Tracker) ClaimNext(ctx context.Context) (*store.Order, error) {
	var result *store.Order
	err := store.WithRetry(ctx, func() error {
		order, err := t.tryClaimOnce(ctx)
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	return result, err
}

func (t *Tracker) tryClaimOnce(ctx context.Context) (*store.Order, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The locked scan runs under a savepoint so that, if Postgres rejects it, rolling back
	// to the savepoint leaves tx usable for the fallback scan below.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim: savepoint: %w", err)
	}
	rows, err := sp.Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (uuid) uuid, stage, "timestamp", id
			FROM imports
			ORDER BY uuid, "timestamp" DESC, id DESC
		)
		SELECT uuid
		FROM latest
		WHERE stage = $1
		ORDER BY "timestamp" ASC, uuid ASC
		LIMIT $2
		FOR UPDATE OF latest SKIP LOCKED
	`, store.StagePending, claimBatchSize)
	if err != nil {
		// DISTINCT ON combined with FOR UPDATE is not a CTE pgx can lock directly on
		// Postgres versions that reject "FOR UPDATE" on a query with DISTINCT; fall back
		// to an unlocked candidate scan and rely solely on the advisory lock for
		// exclusivity (still race-free: the advisory lock plus the re-check inside it is
		// sufficient, the row lock is only an optimization to avoid wasted lock attempts).
		_ = sp.Rollback(ctx)
		rows, err = tx.Query(ctx, `
			WITH latest AS (
				SELECT DISTINCT ON (uuid) uuid, stage, "timestamp"
				FROM imports
				ORDER BY uuid, "timestamp" DESC, id DESC
			)
			SELECT uuid
			FROM latest
			WHERE stage = $1
			ORDER BY "timestamp" ASC, uuid ASC
			LIMIT $2
		`, store.StagePending, claimBatchSize)
		if err != nil {
			return nil, fmt.Errorf("claim: candidate scan: %w", err)
		}
	}

	candidates := make([]string, 0, claimBatchSize)
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim: scan candidate: %w", err)
		}
		candidates = append(candidates, uuid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim: commit candidate scan: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for _, uuid := range candidates {
		order, claimed, err := t.tryClaimUUID(ctx, uuid)
		if err != nil {
			return nil, err
		}
		if claimed {
			return order, nil
		}
	}
	return nil, nil
}

func (t *Tracker) tryClaimUUID(ctx context.Context, uuid string) (*store.Order, bool, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: begin: %w", uuid, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", advisoryKey(uuid)).Scan(&locked); err != nil {
		return nil, false, fmt.Errorf("claim %s: advisory lock: %w", uuid, err)
	}
	if !locked {
		return nil, false, nil
	}

	order, err := t.latestByUUID(ctx, tx, uuid)
	if err != nil {
		return nil, false, err
	}
	if order == nil || order.Stage != store.StagePending {
		return nil, false, nil
	}

	now := time.Now().UTC()
	if err := t.insertEvent(ctx, tx, uuid, store.StageStarted, "", now); err != nil {
		return nil, false, fmt.Errorf("claim %s: insert started: %w", uuid, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("claim %s: commit: %w", uuid, err)
	}

	order.Stage = store.StageStarted
	order.Timestamp = now
	return order, true, nil
}

// latestByUUID loads the latest-event view of uuid (identity fields plus current stage)
// within tx. Returns (nil, nil) if uuid has no events.
func (t *Tracker) latestByUUID(ctx context.Context, tx pgx.Tx, uuid string) (*store.Order, error) {
	var (
		stage                           store.Stage
		ts                              time.Time
		groupName, userName, destType   string
		destID                          int64
		filesRaw                        []byte
		preprocID                       *int64
		message                         string
	)
	err := tx.QueryRow(ctx, `
		SELECT stage, "timestamp", group_name, user_name, destination_id, destination_type,
		       files, preprocessing_id, message
		FROM imports
		WHERE uuid = $1
		ORDER BY "timestamp" DESC, id DESC
		LIMIT 1
	`, uuid).Scan(&stage, &ts, &groupName, &userName, &destID, &destType, &filesRaw, &preprocID, &message)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", uuid, err)
	}

	var files []string
	if len(filesRaw) > 0 {
		if err := json.Unmarshal(filesRaw, &files); err != nil {
			return nil, fmt.Errorf("latest %s: decode files: %w", uuid, err)
		}
	}

	order := &store.Order{
		UUID:            uuid,
		GroupName:       groupName,
		UserName:        userName,
		DestinationID:   destID,
		DestinationType: store.DestinationType(destType),
		Files:           files,
		Stage:           stage,
		Timestamp:       ts,
		PreprocessingID: preprocID,
		Message:         message,
	}
	if preprocID != nil {
		spec, err := t.loadPreprocessing(ctx, tx, *preprocID)
		if err != nil {
			return nil, err
		}
		order.Preprocessing = spec
	}
	return order, nil
}

func (t *Tracker) loadPreprocessing(ctx context.Context, tx pgx.Tx, id int64) (*store.PreprocessingSpec, error) {
	var (
		container, inputFile, outputFolder, altOutputFolder string
		extraRaw                                            []byte
	)
	err := tx.QueryRow(ctx, `
		SELECT container, input_file, output_folder, alt_output_folder, extra_params
		FROM imports_preprocessing WHERE id = $1
	`, id).Scan(&container, &inputFile, &outputFolder, &altOutputFolder, &extraRaw)
	if err != nil {
		return nil, fmt.Errorf("load preprocessing %d: %w", id, err)
	}
	extra := map[string]string{}
	if len(extraRaw) > 0 {
		if err := json.Unmarshal(extraRaw, &extra); err != nil {
			return nil, fmt.Errorf("decode extra_params %d: %w", id, err)
		}
	}
	return &store.PreprocessingSpec{
		ID:              id,
		Container:       container,
		InputFile:       inputFile,
		OutputFolder:    outputFolder,
		AltOutputFolder: altOutputFolder,
		ExtraParams:     extra,
	}, nil
}

func (t *Tracker) insertEvent(ctx context.Context, tx pgx.Tx, uuid string, stage store.Stage, message string, ts time.Time) error {
	prior, err := t.latestByUUID(ctx, tx, uuid)
	if err != nil {
		return err
	}
	var fromStage store.Stage
	if prior != nil {
		fromStage = prior.Stage
	}
	if !store.IsValidTransition(fromStage, stage) {
		return &store.ErrInvalidTransition{UUID: uuid, From: fromStage, To: stage}
	}

	var (
		groupName, userName, destType string
		destID                        int64
		filesRaw                      []byte = []byte("[]")
		preprocID                     *int64
	)
	if prior != nil {
		groupName, userName, destType = prior.GroupName, prior.UserName, string(prior.DestinationType)
		destID = prior.DestinationID
		preprocID = prior.PreprocessingID
		if b, err := json.Marshal(prior.Files); err == nil {
			filesRaw = b
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO imports (uuid, stage, group_name, user_name, destination_id, destination_type,
		                      files, "timestamp", preprocessing_id, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid, stage, groupName, userName, destID, destType, filesRaw, ts, preprocID, message)
	return err
}

// Record implements store.Tracker.
func (t *Tracker) Record(ctx context.Context, uuid string, stage store.Stage, message string) error {
	return store.WithRetry(ctx, func() error {
		tx, err := t.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("record %s: begin: %w", uuid, err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := t.insertEvent(ctx, tx, uuid, stage, message, time.Now().UTC()); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// CurrentStage implements store.Tracker.
func (t *Tracker) CurrentStage(ctx context.Context, uuid string) (store.Stage, error) {
	var stage store.Stage
	err := store.WithRetry(ctx, func() error {
		err := t.pool.QueryRow(ctx, `
			SELECT stage FROM imports WHERE uuid = $1 ORDER BY "timestamp" DESC, id DESC LIMIT 1
		`, uuid).Scan(&stage)
		if errors.Is(err, pgx.ErrNoRows) {
			return &store.ErrNotFound{UUID: uuid}
		}
		return err
	})
	return stage, err
}

// ListDangling implements store.Tracker.
func (t *Tracker) ListDangling(ctx context.Context) ([]string, error) {
	var out []string
	err := store.WithRetry(ctx, func() error {
		rows, err := t.pool.Query(ctx, `
			SELECT DISTINCT ON (uuid) uuid, stage
			FROM imports
			ORDER BY uuid, "timestamp" DESC, id DESC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		var collected []string
		for rows.Next() {
			var uuid string
			var stage store.Stage
			if err := rows.Scan(&uuid, &stage); err != nil {
				return err
			}
			if stage == store.StageStarted {
				collected = append(collected, uuid)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = collected
		return nil
	})
	return out, err
}

// InsertPending creates the initial IMPORT_PENDING event for a new order, optionally
// persisting a PreprocessingSpec first. This is the producer-side write; the producer
// itself is out of scope, and no code in this repository calls it.
func (t *Tracker) InsertPending(ctx context.Context, order store.Order) error {
	return store.WithRetry(ctx, func() error {
		tx, err := t.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var preprocID *int64
		if order.Preprocessing != nil {
			extra, err := json.Marshal(order.Preprocessing.ExtraParams)
			if err != nil {
				return err
			}
			var id int64
			err = tx.QueryRow(ctx, `
				INSERT INTO imports_preprocessing (container, input_file, output_folder, alt_output_folder, extra_params)
				VALUES ($1, $2, $3, $4, $5) RETURNING id
			`, order.Preprocessing.Container, order.Preprocessing.InputFile, order.Preprocessing.OutputFolder,
				order.Preprocessing.AltOutputFolder, extra).Scan(&id)
			if err != nil {
				return err
			}
			preprocID = &id
		}

		filesRaw, err := json.Marshal(order.Files)
		if err != nil {
			return err
		}
		ts := order.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO imports (uuid, stage, group_name, user_name, destination_id, destination_type,
			                      files, "timestamp", preprocessing_id, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '')
		`, order.UUID, store.StagePending, order.GroupName, order.UserName, order.DestinationID,
			string(order.DestinationType), filesRaw, ts, preprocID)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}
