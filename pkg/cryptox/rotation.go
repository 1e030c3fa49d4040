package cryptox

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/linkshitup/link-broker/pkg/asyncx"
	"github.com/linkshitup/link-broker/pkg/logx"
)

// rotation.go is the background re-encryption sweep: after a key rotation,
// stored envelopes still carry the old version byte until this pass rewrites
// them. Readers tolerate both versions throughout.

// secretColumn names one encrypted column the sweep covers.
type secretColumn struct {
	table  string
	idCol  string
	column string
}

// sweepTargets is the full set of secret-valued columns in the schema.
var sweepTargets = []secretColumn{
	{"api_keys", "id", "encrypted_secret"},
	{"provider_descriptors", "name", "encrypted_client_secret"},
	{"connections", "id", "encrypted_access_token"},
	{"connections", "id", "encrypted_refresh_token"},
	{"webhook_subscriptions", "id", "encrypted_secret"},
}

const sweepBatchSize = 100

// RotationSweeper re-encrypts rows in batches until every stored value
// carries the current key version.
type RotationSweeper struct {
	db     *sqlx.DB
	cipher *Cipher
}

func NewRotationSweeper(db *sqlx.DB, cipher *Cipher) *RotationSweeper {
	return &RotationSweeper{db: db, cipher: cipher}
}

// Run performs one full pass and returns how many values were rewritten.
// Columns sweep concurrently; each column pages serially.
func (s *RotationSweeper) Run(ctx context.Context) (int, error) {
	var mu sync.Mutex
	total := 0

	err := asyncx.Pool(ctx, 2, sweepTargets, func(ctx context.Context, target secretColumn) error {
		n, err := s.sweepColumn(ctx, target)
		mu.Lock()
		total += n
		mu.Unlock()
		return err
	})
	return total, err
}

// Start runs a pass at startup and then daily; rotations are rare and the
// sweep is idempotent.
func (s *RotationSweeper) Start(ctx context.Context) {
	go func() {
		run := func() {
			rotated, err := s.Run(ctx)
			if err != nil {
				logx.WithError(err).Error("key rotation sweep failed")
				return
			}
			if rotated > 0 {
				logx.WithField("rotated", rotated).Info("key rotation sweep rewrote stored secrets")
			}
		}

		run()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

type secretRow struct {
	ID    string `db:"id"`
	Value string `db:"value"`
}

func (s *RotationSweeper) sweepColumn(ctx context.Context, target secretColumn) (int, error) {
	// Read in batches; Reencrypt skips values already at the current
	// version via their version prefix.
	query := `SELECT ` + target.idCol + ` AS id, ` + target.column + ` AS value
		FROM ` + target.table + `
		WHERE ` + target.column + ` IS NOT NULL AND ` + target.column + ` <> ''
		ORDER BY ` + target.idCol + `
		LIMIT $1 OFFSET $2`

	rotated := 0
	offset := 0
	for {
		var rows []secretRow
		if err := s.db.SelectContext(ctx, &rows, query, sweepBatchSize, offset); err != nil {
			return rotated, err
		}
		if len(rows) == 0 {
			return rotated, nil
		}

		for _, row := range rows {
			sealed, changed, err := s.cipher.Reencrypt(row.Value)
			if err != nil {
				logx.WithError(err).WithFields(logx.Fields{
					"table": target.table,
					"id":    row.ID,
				}).Warn("skipping undecryptable secret during rotation")
				continue
			}
			if !changed {
				continue
			}
			update := `UPDATE ` + target.table + ` SET ` + target.column + ` = $1 WHERE ` + target.idCol + ` = $2`
			if _, err := s.db.ExecContext(ctx, update, sealed, row.ID); err != nil {
				return rotated, err
			}
			rotated++
		}
		offset += len(rows)
	}
}
