package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nroche/syncbox/internal/model"
)

// streamPageSize is how many rows each page of a streamed listing buffers.
// Listings must cope with catalogs of millions of rows, so pages are fetched
// with keyset pagination on the unique name instead of OFFSET.
const streamPageSize = 500

// FileRepository wraps all SQL touching the files table.
type FileRepository struct {
	pool *pgxpool.Pool
}

// NewFileRepository constructs a repository.
func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

const fileColumns = `id, name, full_path, directory_full_path, directory_base_path,
	file_size_byte, sync_date, file_code, error_name, error_message, error_status, error_context,
	created_at, updated_at`

// Upsert inserts or refreshes a record keyed by its unique name. The scan is
// additive: path and size fields are overwritten, sync state is untouched.
func (r *FileRepository) Upsert(ctx context.Context, rec *model.FileRecord) error {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO files (id, name, full_path, directory_full_path, directory_base_path,
			file_size_byte, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (name) DO UPDATE SET
			full_path = EXCLUDED.full_path,
			directory_full_path = EXCLUDED.directory_full_path,
			directory_base_path = EXCLUDED.directory_base_path,
			file_size_byte = EXCLUDED.file_size_byte,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.Name, rec.FullPath, rec.DirectoryFullPath, rec.DirectoryBasePath,
		rec.FileSizeByte, now)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", rec.Name, err)
	}
	return nil
}

// ListUnsynced streams every record whose sync_date is absent, in name order,
// one page at a time. The callback returning an error stops the stream.
func (r *FileRepository) ListUnsynced(ctx context.Context, fn func(model.FileRecord) error) error {
	return r.stream(ctx, "sync_date IS NULL", fn)
}

// ListSynced streams every record currently counting as synchronized.
func (r *FileRepository) ListSynced(ctx context.Context, fn func(model.FileRecord) error) error {
	return r.stream(ctx, "sync_date IS NOT NULL AND file_code IS NOT NULL", fn)
}

func (r *FileRepository) stream(ctx context.Context, predicate string, fn func(model.FileRecord) error) error {
	lastName := ""
	for {
		query := fmt.Sprintf(`SELECT %s FROM files WHERE %s AND name > $1 ORDER BY name LIMIT $2`,
			fileColumns, predicate)
		rows, err := r.pool.Query(ctx, query, lastName, streamPageSize)
		if err != nil {
			return fmt.Errorf("stream files: %w", err)
		}
		page, err := scanFiles(rows)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for i := range page {
			if err := fn(page[i]); err != nil {
				return err
			}
		}
		lastName = page[len(page)-1].Name
		if len(page) < streamPageSize {
			return nil
		}
	}
}

// CountUnsynced counts records matching the ListUnsynced predicate.
func (r *FileRepository) CountUnsynced(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM files WHERE sync_date IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return n, nil
}

// SumUnsyncedBytes totals the sizes of records matching the ListUnsynced
// predicate, for progress reporting.
func (r *FileRepository) SumUnsyncedBytes(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(file_size_byte),0) FROM files WHERE sync_date IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum unsynced bytes: %w", err)
	}
	return n, nil
}

// MarkSucceeded records a finished upload. The error columns are cleared in
// the same statement: a record never carries both an error and a successful
// sync pair.
func (r *FileRepository) MarkSucceeded(ctx context.Context, id, fileCode string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE files
		SET file_code=$1, sync_date=$2,
			error_name=NULL, error_message=NULL, error_status=NULL, error_context=NULL,
			updated_at=$2
		WHERE id=$3
	`, fileCode, now, id)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

// MarkFailed stores the last failure. Existing sync fields are left alone: a
// previously synced file failing a re-check is the reconciler's business.
func (r *FileRepository) MarkFailed(ctx context.Context, id string, fe model.FileError) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE files
		SET error_name=$1, error_message=$2, error_status=$3, error_context=$4, updated_at=$5
		WHERE id=$6
	`, fe.Name, fe.Message, nullableInt(fe.Status), fe.Context, now, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ClearSyncState demotes a record back to unsynced after its remote copy
// disappeared, so the next run picks it up again.
func (r *FileRepository) ClearSyncState(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE files SET sync_date=NULL, file_code=NULL, updated_at=$1 WHERE id=$2
	`, now, id)
	if err != nil {
		return fmt.Errorf("clear sync state: %w", err)
	}
	return nil
}

// List returns one page of records for the control plane, optionally filtered
// on sync status, together with the filtered total. Pages are 1-based, like
// every caller of this method.
func (r *FileRepository) List(ctx context.Context, page, pageSize int, isSync *bool) ([]model.FileRecord, int64, error) {
	predicate := "TRUE"
	if isSync != nil {
		if *isSync {
			predicate = "sync_date IS NOT NULL"
		} else {
			predicate = "sync_date IS NULL"
		}
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM files WHERE `+predicate).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM files WHERE %s ORDER BY name LIMIT $1 OFFSET $2`, fileColumns, predicate)
	rows, err := r.pool.Query(ctx, query, pageSize, listOffset(page, pageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	records, err := scanFiles(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// listOffset converts a 1-based page number to a row offset. Pages below 1
// clamp to the first page.
func listOffset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func scanFiles(rows pgxRows) ([]model.FileRecord, error) {
	defer rows.Close()
	var out []model.FileRecord
	for rows.Next() {
		var (
			rec       model.FileRecord
			syncDate  sql.NullTime
			fileCode  sql.NullString
			errName   sql.NullString
			errMsg    sql.NullString
			errStatus sql.NullInt32
			errCtx    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.FullPath, &rec.DirectoryFullPath,
			&rec.DirectoryBasePath, &rec.FileSizeByte, &syncDate, &fileCode,
			&errName, &errMsg, &errStatus, &errCtx, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		if syncDate.Valid {
			t := syncDate.Time
			rec.SyncDate = &t
		}
		if fileCode.Valid {
			rec.FileCode = fileCode.String
		}
		if errName.Valid {
			rec.Error = &model.FileError{
				Name:    errName.String,
				Message: errMsg.String,
				Status:  int(errStatus.Int32),
				Context: errCtx.String,
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return out, nil
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
