package app

import (
	"fmt"

	"nudge/internal/config"
	"nudge/internal/db"
	"nudge/internal/engine"
	"nudge/internal/migrate"
)

// Bootstrap opens the workspace database, applies migrations, loads nudge.yml
// (falling back to defaults when absent) and wires an engine over it. The
// returned closer releases the database handle.
func Bootstrap(workspace string) (*engine.Engine, *config.Config, func(), error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	e := engine.New(conn, cfg)
	return e, cfg, func() { conn.Close() }, nil
}
