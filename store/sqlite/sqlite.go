// Package sqlite stores records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/robertof/go-healthpi-loader/measurement"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	timestamp  INTEGER NOT NULL,
	source     TEXT NOT NULL,
	record_ref BLOB NOT NULL UNIQUE,
	PRIMARY KEY (timestamp, source)
);
CREATE TABLE IF NOT EXISTS record_values (
	record_ref BLOB NOT NULL,
	value      REAL NOT NULL,
	value_type INTEGER NOT NULL,
	PRIMARY KEY (record_ref, value_type)
);
`

const (
	insertRecord = `INSERT INTO records(timestamp, source, record_ref) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	insertValue  = `INSERT INTO record_values(record_ref, value, value_type) VALUES (?, ?, ?) ` +
		`ON CONFLICT DO UPDATE SET value=excluded.value`
	selectRecords = `SELECT timestamp, source, value, value_type FROM records, record_values ` +
		`WHERE records.record_ref = record_values.record_ref`
)

type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and makes sure the schema exists.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %q", path)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	r := New(db)

	if err := r.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// RecordRef identifies a record by its timestamp and source.
func RecordRef(rec measurement.Record) []byte {
	h := xxhash.New()

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(rec.Timestamp.Unix()))

	_, _ = h.Write(ts[:])
	_, _ = h.WriteString(rec.Source.String())

	return binary.LittleEndian.AppendUint64(nil, h.Sum64())
}

func (r *Repository) StoreRecords(ctx context.Context, records []measurement.Record) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Msg("sqlite: rollback failed")
			}
		}
	}()

	for _, rec := range records {
		ref := RecordRef(rec)

		if _, err = tx.ExecContext(ctx, insertRecord, rec.Timestamp.Unix(), rec.Source.String(), ref); err != nil {
			return errors.Wrapf(err, "failed to store record %v", rec)
		}

		for _, v := range rec.Values {
			if _, err = tx.ExecContext(ctx, insertValue, ref, v.Float(), int(v.Type)); err != nil {
				return errors.Wrapf(err, "failed to store value %v", v)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit records")
	}

	log.Debug().Int("Records", len(records)).Msg("sqlite: stored records")

	return nil
}

func (r *Repository) FetchRecords(ctx context.Context, types []measurement.ValueType) ([]measurement.Record, error) {
	query := selectRecords
	args := make([]any, len(types))

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args[i] = int(t)
		}

		query += fmt.Sprintf(" AND value_type IN (%s)", strings.Join(placeholders, ", "))
	}

	query += " ORDER BY timestamp DESC, source"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query records")
	}
	defer rows.Close()

	var out []measurement.Record

	for rows.Next() {
		var (
			ts        int64
			source    string
			value     float64
			valueType int
		)

		if err := rows.Scan(&ts, &source, &value, &valueType); err != nil {
			return nil, errors.Wrap(err, "failed to scan record")
		}

		src, err := measurement.ParseSource(source)
		if err != nil {
			log.Error().Err(err).Msg("sqlite: skipping row with invalid source")
			continue
		}

		v, err := measurement.ValueFromFloat(measurement.ValueType(valueType), value)
		if err != nil {
			log.Error().Err(err).Msg("sqlite: skipping row with invalid value")
			continue
		}

		timestamp := time.Unix(ts, 0).UTC()

		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(timestamp) && out[n-1].Source.Equal(src) {
			out[n-1].AddValue(v)
			continue
		}

		out = append(out, measurement.Record{
			Timestamp: timestamp,
			Values:    []measurement.Value{v},
			Source:    src,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read records")
	}

	return out, nil
}
