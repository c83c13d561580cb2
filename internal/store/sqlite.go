package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"postflow/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStatusConflict    = errors.New("task status changed concurrently")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Open opens the SQLite database at path with WAL and foreign keys enabled.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS devices (
  device_name TEXT PRIMARY KEY,
  device_id TEXT NOT NULL,
  device_path TEXT NOT NULL,
  password TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS uploads (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  device_name TEXT NOT NULL REFERENCES devices(device_name) ON DELETE CASCADE ON UPDATE CASCADE,
  scheduled_time INTEGER NOT NULL,
  files TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_device ON uploads(device_name);
CREATE TABLE IF NOT EXISTS tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  device_name TEXT NOT NULL REFERENCES devices(device_name) ON DELETE CASCADE ON UPDATE CASCADE,
  upload_id INTEGER NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
  scheduled_time INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('UPERR','WT','WTERR','PENDING','RES','REJ')) DEFAULT 'WT',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_slot ON tasks(device_name, upload_id, scheduled_time);
CREATE INDEX IF NOT EXISTS idx_tasks_status_time ON tasks(status, scheduled_time);
CREATE TABLE IF NOT EXISTS task_attempts (
  id TEXT PRIMARY KEY,
  task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  stage TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  started_at DATETIME NOT NULL,
  finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the Task Store: the single source of truth for task status.
type Repository interface {
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	ListDue(ctx context.Context, status domain.TaskStatus, now time.Time) ([]domain.Task, error)
	Get(ctx context.Context, id int64) (domain.Task, error)
	GetDetail(ctx context.Context, id int64) (domain.TaskDetail, error)
	// UpdateStatus moves a task from -> to only if it is still in from.
	UpdateStatus(ctx context.Context, id int64, from, to domain.TaskStatus) (domain.Task, error)

	SubmitTask(ctx context.Context, t domain.Task) (int64, error)
	Resubmit(ctx context.Context, id int64) (domain.Task, error)
	RecordAttempt(ctx context.Context, a domain.Attempt) error
	ListAttempts(ctx context.Context, taskID int64) ([]domain.Attempt, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)

	CreateDevice(ctx context.Context, d domain.Device) error
	GetDevice(ctx context.Context, name string) (domain.Device, error)
	CreateUpload(ctx context.Context, u domain.Upload) (int64, error)
	DeleteExpired(ctx context.Context, before int64) (Expired, error)
}

// Expired describes what DeleteExpired removed.
type Expired struct {
	Tasks   int
	Uploads []domain.Upload
	// SlotInUse holds the ids of removed uploads whose device and scheduled
	// time are still used by an upload that was kept.
	SlotInUse map[int64]bool
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

const taskColumns = `t.id, t.device_name, COALESCE(d.device_id, ''), t.upload_id, t.scheduled_time, t.status, t.created_at, t.updated_at`

const taskFrom = `FROM tasks t LEFT JOIN devices d ON d.device_name = t.device_name`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var status string
	if err := row.Scan(&t.ID, &t.DeviceName, &t.DeviceID, &t.UploadID, &t.ScheduledTime, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func (r *sqliteRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` `+taskFrom+`
WHERE t.status = ? ORDER BY t.scheduled_time, t.id`, string(status))
}

func (r *sqliteRepo) ListDue(ctx context.Context, status domain.TaskStatus, now time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` `+taskFrom+`
WHERE t.status = ? AND t.scheduled_time <= ? ORDER BY t.scheduled_time, t.id`, string(status), now.Unix())
}

func (r *sqliteRepo) Get(ctx context.Context, id int64) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` `+taskFrom+` WHERE t.id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) GetDetail(ctx context.Context, id int64) (domain.TaskDetail, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return domain.TaskDetail{}, err
	}
	detail := domain.TaskDetail{Task: t}

	d, err := r.GetDevice(ctx, t.DeviceName)
	switch {
	case err == nil:
		detail.Device = &d
	case !errors.Is(err, ErrNotFound):
		return domain.TaskDetail{}, err
	}

	u, err := r.getUpload(ctx, t.UploadID)
	switch {
	case err == nil:
		detail.Upload = &u
	case !errors.Is(err, ErrNotFound):
		return domain.TaskDetail{}, err
	}
	return detail, nil
}

func (r *sqliteRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.TaskStatus) (domain.Task, error) {
	if !domain.CanTransition(from, to) {
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), r.now().Unix(), id, string(from))
	if err != nil {
		return domain.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	t, err := r.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 {
		return t, fmt.Errorf("%w: task %d is %s, expected %s", ErrStatusConflict, id, t.Status, from)
	}
	return t, nil
}

func (r *sqliteRepo) SubmitTask(ctx context.Context, t domain.Task) (int64, error) {
	if t.Status == "" {
		t.Status = domain.StatusWaiting
	}
	now := r.now().Unix()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO tasks (device_name, upload_id, scheduled_time, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(device_name, upload_id, scheduled_time)
DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
RETURNING id`, t.DeviceName, t.UploadID, t.ScheduledTime, string(t.Status), now, now)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *sqliteRepo) Resubmit(ctx context.Context, id int64) (domain.Task, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !domain.CanResubmit(t.Status) {
		return t, fmt.Errorf("%w: cannot resubmit task in %s", ErrIllegalTransition, t.Status)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.StatusWaiting), r.now().Unix(), id, string(t.Status))
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t, fmt.Errorf("%w: task %d", ErrStatusConflict, id)
	}
	return r.Get(ctx, id)
}

func (r *sqliteRepo) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_attempts (id, task_id, stage, attempt, success, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, string(a.Stage), a.Number, a.Success, a.Error, a.StartedAt.UTC(), a.FinishedAt.UTC())
	return err
}

func (r *sqliteRepo) ListAttempts(ctx context.Context, taskID int64) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, stage, attempt, success, error, started_at, finished_at
FROM task_attempts WHERE task_id = ? ORDER BY started_at, attempt`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var stage string
		if err := rows.Scan(&a.ID, &a.TaskID, &stage, &a.Number, &a.Success, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		a.Stage = domain.TaskStatus(stage)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *sqliteRepo) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *sqliteRepo) CreateDevice(ctx context.Context, d domain.Device) error {
	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO devices (device_name, device_id, device_path, password, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(device_name) DO UPDATE SET
  device_id = excluded.device_id,
  device_path = excluded.device_path,
  password = excluded.password,
  updated_at = excluded.updated_at`,
		d.DeviceName, d.DeviceID, d.DevicePath, d.Password, now, now)
	return err
}

func (r *sqliteRepo) GetDevice(ctx context.Context, name string) (domain.Device, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT device_name, device_id, device_path, password, created_at, updated_at
FROM devices WHERE device_name = ?`, name)
	var d domain.Device
	err := row.Scan(&d.DeviceName, &d.DeviceID, &d.DevicePath, &d.Password, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, ErrNotFound
	}
	return d, err
}

func (r *sqliteRepo) CreateUpload(ctx context.Context, u domain.Upload) (int64, error) {
	files, err := json.Marshal(u.Files)
	if err != nil {
		return 0, err
	}
	now := r.now().Unix()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO uploads (device_name, scheduled_time, files, title, content, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, u.DeviceName, u.ScheduledTime, string(files), u.Title, u.Content, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanUpload(row scanner) (domain.Upload, error) {
	var u domain.Upload
	var files string
	if err := row.Scan(&u.ID, &u.DeviceName, &u.ScheduledTime, &files, &u.Title, &u.Content, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.Upload{}, err
	}
	if err := json.Unmarshal([]byte(files), &u.Files); err != nil {
		return domain.Upload{}, fmt.Errorf("upload %d: decode files: %w", u.ID, err)
	}
	return u, nil
}

func (r *sqliteRepo) getUpload(ctx context.Context, id int64) (domain.Upload, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, device_name, scheduled_time, files, title, content, created_at, updated_at
FROM uploads WHERE id = ?`, id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Upload{}, ErrNotFound
	}
	return u, err
}

// DeleteExpired removes terminal tasks scheduled before the cutoff and the
// uploads no task refers to anymore. Tasks still in a stage are kept.
func (r *sqliteRepo) DeleteExpired(ctx context.Context, before int64) (Expired, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Expired{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
DELETE FROM tasks WHERE scheduled_time < ? AND status IN ('UPERR','WTERR','RES','REJ')`, before)
	if err != nil {
		return Expired{}, err
	}
	n, _ := res.RowsAffected()

	rows, err := tx.QueryContext(ctx, `
SELECT id, device_name, scheduled_time, files, title, content, created_at, updated_at
FROM uploads u
WHERE u.scheduled_time < ? AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.upload_id = u.id)`, before)
	if err != nil {
		return Expired{}, err
	}
	var uploads []domain.Upload
	for rows.Next() {
		u, scanErr := scanUpload(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return Expired{}, err
		}
		uploads = append(uploads, u)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return Expired{}, err
	}

	for _, u := range uploads {
		if _, err = tx.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, u.ID); err != nil {
			return Expired{}, err
		}
	}

	inUse := make(map[int64]bool)
	for _, u := range uploads {
		var one int
		err = tx.QueryRowContext(ctx, `
SELECT 1 FROM uploads WHERE device_name = ? AND scheduled_time = ? LIMIT 1`, u.DeviceName, u.ScheduledTime).Scan(&one)
		switch {
		case err == nil:
			inUse[u.ID] = true
		case errors.Is(err, sql.ErrNoRows):
			err = nil
		default:
			return Expired{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Expired{}, err
	}
	return Expired{Tasks: int(n), Uploads: uploads, SlotInUse: inUse}, nil
}
