package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	defaultTagTable   = "tag_history"
	defaultAlarmTable = "alarm_journal"
)

// Repository writes history batches to Postgres through database/sql.
type Repository struct {
	db         *sql.DB
	tagTable   string
	alarmTable string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*Repository)

// WithTagTable overrides the tag history table name.
func WithTagTable(table string) RepositoryOption {
	return func(repo *Repository) {
		if table != "" {
			repo.tagTable = table
		}
	}
}

// WithAlarmTable overrides the alarm journal table name.
func WithAlarmTable(table string) RepositoryOption {
	return func(repo *Repository) {
		if table != "" {
			repo.alarmTable = table
		}
	}
}

// NewRepository constructs a repository with default table names.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	repo := &Repository{db: db, tagTable: defaultTagTable, alarmTable: defaultAlarmTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// InsertTagRows appends a batch of tag history rows in one transaction.
func (r *Repository) InsertTagRows(ctx context.Context, rows []TagRow) error {
	if r == nil || r.db == nil {
		return errors.New("history repo: nil db")
	}
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	tag_id,
	name,
	value_numeric,
	value_text,
	quality,
	valid,
	source_ts,
	daq_ts,
	server_ts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)`, r.tagTable)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.TagID <= 0 {
			_ = tx.Rollback()
			return errors.New("history repo: row without tag id")
		}

		numeric := sql.NullFloat64{}
		if row.Numeric != nil {
			numeric = sql.NullFloat64{Float64: *row.Numeric, Valid: true}
		}
		text := sql.NullString{}
		if row.Text != nil {
			text = sql.NullString{String: *row.Text, Valid: true}
		}

		if _, err := stmt.ExecContext(
			ctx,
			row.TagID,
			row.Name,
			numeric,
			text,
			row.Quality,
			row.Valid,
			nullableTime(row.SourceTimestamp),
			nullableTime(row.DAQTimestamp),
			nullableTime(row.ServerTimestamp),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// InsertAlarmRows appends a batch of alarm journal rows in one transaction.
func (r *Repository) InsertAlarmRows(ctx context.Context, rows []AlarmRow) error {
	if r == nil || r.db == nil {
		return errors.New("history repo: nil db")
	}
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	alarm_id,
	tag_id,
	fault_family,
	fault_member,
	fault_code,
	active,
	info,
	ts,
	source_ts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)`, r.alarmTable)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.AlarmID <= 0 {
			_ = tx.Rollback()
			return errors.New("history repo: row without alarm id")
		}
		if _, err := stmt.ExecContext(
			ctx,
			row.AlarmID,
			row.TagID,
			row.FaultFamily,
			row.FaultMember,
			row.FaultCode,
			row.Active,
			row.Info,
			nullableTime(row.Timestamp),
			nullableTime(row.SourceTimestamp),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
