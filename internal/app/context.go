// Package app bootstraps a workspace: database, migrations, config and the
// deconfliction engine.
package app

import (
	"fmt"

	"skylane/internal/config"
	"skylane/internal/db"
	"skylane/internal/engine"
	"skylane/internal/migrate"
)

// Context holds everything a command needs to run against a workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	Engine    *engine.Engine
}

// Open prepares the workspace directory, opens and migrates the database,
// loads skylane.yml if present, and wires the engine. Callers must Close.
func Open(workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.Engine == nil || c.Engine.DB == nil {
		return nil
	}
	return c.Engine.DB.Close()
}
