package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elicit-dev/elicit/internal/types"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements the storage interfaces using SQLite
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite storage backend and brings its schema up to date
func New(path string) (*SQLiteStorage, error) {
	if path != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := newMigrationManager().Apply(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the applied schema version
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

// LoadProfile returns the stored profile, or an empty one for an unknown user
func (s *SQLiteStorage) LoadProfile(ctx context.Context, userID string) (*types.Profile, error) {
	profile := &types.Profile{
		UserID:              userID,
		ExtractedSkills:     types.NewStringSet(),
		IdentifiedWorkflows: types.NewStringSet(),
	}

	var updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT global_context, updated_at FROM profiles WHERE user_id = ?", userID,
	).Scan(&profile.GlobalContext, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return profile, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", userID, err)
	}
	if updatedAt.Valid {
		profile.UpdatedAt = updatedAt.Time
	}

	if err := s.loadItems(ctx, "SELECT skill FROM profile_skills WHERE user_id = ?", userID, profile.ExtractedSkills); err != nil {
		return nil, fmt.Errorf("failed to load skills for %s: %w", userID, err)
	}
	if err := s.loadItems(ctx, "SELECT workflow FROM profile_workflows WHERE user_id = ?", userID, profile.IdentifiedWorkflows); err != nil {
		return nil, fmt.Errorf("failed to load workflows for %s: %w", userID, err)
	}

	return profile, nil
}

func (s *SQLiteStorage) loadItems(ctx context.Context, query, userID string, into types.StringSet) error {
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return err
		}
		into.Add(item)
	}
	return rows.Err()
}

// SaveProfile merges profile into the stored one in a single transaction.
// Skills and workflows are only ever added. An empty global context does
// not overwrite a stored one.
func (s *SQLiteStorage) SaveProfile(ctx context.Context, profile *types.Profile) error {
	if profile == nil || strings.TrimSpace(profile.UserID) == "" {
		return fmt.Errorf("%w: profile user_id is required", types.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, global_context, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			global_context = CASE WHEN excluded.global_context = '' THEN profiles.global_context ELSE excluded.global_context END,
			updated_at = excluded.updated_at
	`, profile.UserID, profile.GlobalContext, now)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}

	for _, skill := range profile.ExtractedSkills.Sorted() {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO profile_skills (user_id, skill, created_at) VALUES (?, ?, ?)",
			profile.UserID, skill, now); err != nil {
			return fmt.Errorf("failed to add skill %q: %w", skill, err)
		}
	}
	for _, workflow := range profile.IdentifiedWorkflows.Sorted() {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO profile_workflows (user_id, workflow, created_at) VALUES (?, ?, ?)",
			profile.UserID, workflow, now); err != nil {
			return fmt.Errorf("failed to add workflow %q: %w", workflow, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile: %w", err)
	}
	return nil
}

// CreateDataset stores instances as one dataset in a single transaction
func (s *SQLiteStorage) CreateDataset(ctx context.Context, ownerID, sessionID string, instances []types.Instance) (string, error) {
	if len(instances) == 0 {
		return "", fmt.Errorf("%w: dataset must contain at least one instance", types.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	datasetID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO datasets (id, owner_id, session_id, instance_count, created_at) VALUES (?, ?, ?, ?, ?)",
		datasetID, ownerID, sessionID, len(instances), s.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to insert dataset: %w", err)
	}

	for i, inst := range instances {
		id := inst.ID
		if id == "" {
			id = uuid.NewString()
		}
		tags := inst.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return "", fmt.Errorf("failed to marshal tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instances (id, dataset_id, position, question, answer, tags, category)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, datasetID, i, inst.Question, inst.Answer, string(tagsJSON), inst.Category); err != nil {
			return "", fmt.Errorf("failed to insert instance %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit dataset: %w", err)
	}
	return datasetID, nil
}

// GetDataset returns a dataset with its instances in generation order
func (s *SQLiteStorage) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	ds := &types.Dataset{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT owner_id, session_id, created_at FROM datasets WHERE id = ?", id,
	).Scan(&ds.OwnerID, &ds.SessionID, &ds.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, answer, tags, category FROM instances
		WHERE dataset_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inst types.Instance
		var tagsJSON string
		if err := rows.Scan(&inst.ID, &inst.Question, &inst.Answer, &tagsJSON, &inst.Category); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &inst.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for instance %s: %w", inst.ID, err)
		}
		ds.Instances = append(ds.Instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ds, nil
}

// ListDatasets returns ownerID's datasets, newest first, without instances
func (s *SQLiteStorage) ListDatasets(ctx context.Context, ownerID string) ([]*types.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, created_at FROM datasets
		WHERE owner_id = ? ORDER BY created_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var out []*types.Dataset
	for rows.Next() {
		ds := &types.Dataset{OwnerID: ownerID}
		if err := rows.Scan(&ds.ID, &ds.SessionID, &ds.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}
