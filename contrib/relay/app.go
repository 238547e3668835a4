package relay

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/store"
	"github.com/collabdoc/docsync/pkg/store/postgres"
)

type Config struct {
	Addr string

	// PostgresDSN selects the PostgreSQL store. Without it documents are kept
	// in memory.
	PostgresDSN string

	// Secret verifies tokens. Empty disables authentication.
	Secret []byte

	LogLevel string
	LogPath  string
	Pretty   bool
}

type App struct {
	store  store.Store
	config *Config
	logger logger.Logger

	mu   sync.Mutex
	hubs map[models.DocumentID]*hub
}

// New returns an app serving st.
func New(config *Config, st store.Store, log logger.Logger) *App {
	return &App{
		store:  st,
		config: config,
		logger: logger.OrDiscard(log),
		hubs:   make(map[models.DocumentID]*hub),
	}
}

// Open creates the store described by config and returns an app serving it.
func Open(ctx context.Context, config *Config, log logger.Logger) (*App, error) {
	var st store.Store
	if config.PostgresDSN != "" {
		pg, err := postgres.NewPostgresStore(config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("failed to migrate PostgreSQL: %w", err)
		}
		st = pg
		logger.OrDiscard(log).Info("relay connected to PostgreSQL")
	} else {
		st = store.NewMemoryStore()
		logger.OrDiscard(log).Info("relay is keeping documents in memory")
	}
	return New(config, st, log), nil
}

func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *App) Store() store.Store {
	return a.store
}

// acquireHub returns the hub of id, starting it if needed. Every call must
// be paired with releaseHub.
func (a *App) acquireHub(id models.DocumentID) *hub {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.hubs[id]
	if !ok {
		h = newHub(id, a.logger)
		a.hubs[id] = h
		go h.run()
	}
	h.refs++
	return h
}

func (a *App) releaseHub(h *hub) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h.refs--
	if h.refs == 0 {
		delete(a.hubs, h.id)
		close(h.quit)
	}
}

// lookupHub returns the running hub of id, if any.
func (a *App) lookupHub(id models.DocumentID) (*hub, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hubs[id]
	return h, ok
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
