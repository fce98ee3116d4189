package dataset

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/gwillem/pearlywhite/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Episode is a saved episode.
type Episode struct {
	Index  int
	Length int
	Tasks  []string
}

// FrameRecord is a saved frame. Data holds vector features as []float32
// and image features as paths relative to the dataset root.
type FrameRecord struct {
	Index        int
	EpisodeIndex int
	FrameIndex   int
	Timestamp    float64
	TaskIndex    int
	Data         map[string]json.RawMessage
}

// store is the sqlite frame index.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer; the episode save is a single transaction.
	db.SetMaxOpenConns(1)

	s := &store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	// Not closing m: it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on top of slog.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	log.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (migrateLogger) Verbose() bool { return false }

func (s *store) Close() error {
	return s.db.Close()
}

// taskIndex returns the index of task, adding it when new.
func taskIndex(ctx context.Context, tx *sql.Tx, task string) (int, error) {
	var idx int
	err := tx.QueryRowContext(ctx, "SELECT task_index FROM tasks WHERE task = ?", task).Scan(&idx)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO tasks (task_index, task) SELECT COALESCE(MAX(task_index) + 1, 0), ? FROM tasks RETURNING task_index",
		task).Scan(&idx)
	return idx, err
}

// insertEpisode writes an episode and its frames in one transaction and
// returns the global index of its first frame.
func (s *store) insertEpisode(ctx context.Context, ep int, frames []bufferedFrame) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var first int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(idx) + 1, 0) FROM frames").Scan(&first); err != nil {
		return 0, fmt.Errorf("next frame index: %w", err)
	}

	var tasks []string
	seen := map[string]int{}
	for _, f := range frames {
		if _, ok := seen[f.task]; ok {
			continue
		}
		idx, err := taskIndex(ctx, tx, f.task)
		if err != nil {
			return 0, fmt.Errorf("add task: %w", err)
		}
		seen[f.task] = idx
		tasks = append(tasks, f.task)
	}

	taskJSON, err := json.Marshal(tasks)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO episodes (episode_index, length, tasks) VALUES (?, ?, ?)",
		ep, len(frames), string(taskJSON)); err != nil {
		return 0, fmt.Errorf("insert episode %d: %w", ep, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO frames (idx, episode_index, frame_index, timestamp, task_index, data) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, f := range frames {
		data, err := json.Marshal(f.values)
		if err != nil {
			return 0, fmt.Errorf("encode frame %d: %w", f.frameIndex, err)
		}
		if _, err := stmt.ExecContext(ctx, first+i, ep, f.frameIndex, f.timestamp, seen[f.task], string(data)); err != nil {
			return 0, fmt.Errorf("insert frame %d: %w", f.frameIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return first, nil
}

// counts returns the number of episodes, frames and tasks.
func (s *store) counts(ctx context.Context) (episodes, frames, tasks int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM episodes),
		(SELECT COUNT(*) FROM frames),
		(SELECT COUNT(*) FROM tasks)`).Scan(&episodes, &frames, &tasks)
	return
}

func (s *store) tasks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT task FROM tasks ORDER BY task_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *store) episodes(ctx context.Context) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT episode_index, length, tasks FROM episodes ORDER BY episode_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var ep Episode
		var tasks string
		if err := rows.Scan(&ep.Index, &ep.Length, &tasks); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tasks), &ep.Tasks); err != nil {
			return nil, fmt.Errorf("decode tasks of episode %d: %w", ep.Index, err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *store) frames(ctx context.Context, episode int) ([]FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, episode_index, frame_index, timestamp, task_index, data
		FROM frames WHERE episode_index = ? ORDER BY frame_index`, episode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var r FrameRecord
		var data string
		if err := rows.Scan(&r.Index, &r.EpisodeIndex, &r.FrameIndex, &r.Timestamp, &r.TaskIndex, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", r.Index, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
