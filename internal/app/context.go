package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"dealhealth/internal/config"
	"dealhealth/internal/db"
	"dealhealth/internal/engine"
	"dealhealth/internal/logger"
	"dealhealth/internal/migrate"
)

// Context bundles what commands need from a workspace.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Log    *zap.Logger
	Engine engine.Engine
}

// Open loads the workspace config (or the default one), opens and migrates
// the database and wires an engine with the configured logger.
func Open(workspace string) (*Context, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	eng.Log = log.Named("engine")
	log.Debug("workspace opened", zap.String("db", db.Path(workspace)), zap.String("config", config.Path(workspace)))
	return &Context{DB: conn, Config: cfg, Log: log, Engine: eng}, nil
}

func (c *Context) Close() error {
	_ = c.Log.Sync()
	return c.DB.Close()
}
