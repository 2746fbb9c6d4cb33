package startup

import (
	"fmt"
	"os"
	"path/filepath"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/voisinage/internal/logger"
)

// EmbeddedPostgres запускает локальный PostgreSQL для режима -dev и возвращает его URL.
func EmbeddedPostgres(dataDir string, port uint32) (*embeddedpostgres.EmbeddedPostgres, string, error) {
	const (
		user     = "voisinage"
		password = "voisinage_secret"
		database = "voisinage"
	)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create pgdata dir: %w", err)
	}
	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "voisinage-pg-runtime")),
	)
	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, "", fmt.Errorf("start embedded postgres: %w", err)
	}
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database), nil
}
