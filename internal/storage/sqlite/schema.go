package sqlite

import "github.com/elicit-dev/elicit/internal/storage/migrations"

// schemaMigrations is the ordered schema history. Never edit an applied
// migration; append a new version instead.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "profiles and profile item sets",
		Up: `
CREATE TABLE IF NOT EXISTS profiles (
    user_id TEXT PRIMARY KEY,
    global_context TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Skills and workflows are stored one row per item so that concurrent
-- saves from sibling sessions merge with INSERT OR IGNORE.
CREATE TABLE IF NOT EXISTS profile_skills (
    user_id TEXT NOT NULL,
    skill TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, skill),
    FOREIGN KEY (user_id) REFERENCES profiles(user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS profile_workflows (
    user_id TEXT NOT NULL,
    workflow TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, workflow),
    FOREIGN KEY (user_id) REFERENCES profiles(user_id) ON DELETE CASCADE
);
`,
		Down: `
DROP TABLE IF EXISTS profile_workflows;
DROP TABLE IF EXISTS profile_skills;
DROP TABLE IF EXISTS profiles;
`,
	},
	{
		Version:     2,
		Description: "datasets and generated instances",
		Up: `
CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    instance_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_datasets_owner ON datasets(owner_id, created_at);

CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    question TEXT NOT NULL,
    answer TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]', -- JSON array
    category TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (dataset_id) REFERENCES datasets(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_instances_dataset ON instances(dataset_id, position);
`,
		Down: `
DROP TABLE IF EXISTS instances;
DROP TABLE IF EXISTS datasets;
`,
	},
}

// newMigrationManager returns a manager with every schema migration registered
func newMigrationManager() *migrations.Manager {
	m := migrations.NewManager()
	for _, migration := range schemaMigrations {
		m.Register(migration)
	}
	return m
}
