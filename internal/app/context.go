package app

import (
	"database/sql"
	"fmt"

	"esmap/internal/config"
	"esmap/internal/db"
	"esmap/internal/engine"
	"esmap/internal/entu"
	"esmap/internal/migrate"
)

// App bundles everything a command needs: open database, validated config,
// and a ready engine.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace: ensures the .esmap directory, opens and
// migrates the database, loads esmap.yml, and wires the Entu client.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	client := entu.New(cfg.Entu.URL, cfg.Entu.Account, cfg.Entu.Token)
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, client, cfg),
	}, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
