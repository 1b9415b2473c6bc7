package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"fedboard/internal/agent"
	"fedboard/internal/catalog"
	"fedboard/internal/config"
	"fedboard/internal/repo"
)

const defaultCatalogTimeout = 30 * time.Second

// Session is the configuration one refresh or command cycle runs with.
// It is rebuilt for every cycle so a port change takes effect on the next
// one without any shared mutable state.
type Session struct {
	AgentURL        string
	App             string
	Port            int
	Timeout         time.Duration
	CatalogLocation string
	Catalog         catalog.Source
}

// Overrides come from flags or environment and beat stored settings.
type Overrides struct {
	Port        int
	CatalogURL  string
	CatalogPath string
}

// SettingsStore is the part of repo.Repo a session needs.
type SettingsStore interface {
	Port(ctx context.Context) (int, error)
}

// ResolveSession picks the agent port (override, then stored setting, then
// config) and the catalog source (override, then config).
func ResolveSession(ctx context.Context, cfg *config.Config, store SettingsStore, ov Overrides) (Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	port := ov.Port
	if port == 0 && store != nil {
		stored, err := store.Port(ctx)
		switch {
		case err == nil:
			port = stored
		case !errors.Is(err, repo.ErrNotFound):
			return Session{}, fmt.Errorf("read stored port: %w", err)
		}
	}
	if port == 0 {
		port = cfg.Agent.Port
	}
	if err := config.ValidatePort(port); err != nil {
		return Session{}, err
	}
	s := Session{
		AgentURL: "http://" + net.JoinHostPort(cfg.Agent.Host, strconv.Itoa(port)),
		App:      cfg.Agent.App,
		Port:     port,
		Timeout:  cfg.Agent.Timeout,
	}
	catalogURL, catalogPath := cfg.Catalog.URL, cfg.Catalog.Path
	if ov.CatalogURL != "" || ov.CatalogPath != "" {
		catalogURL, catalogPath = ov.CatalogURL, ov.CatalogPath
	}
	switch {
	case catalogURL != "":
		s.CatalogLocation = catalogURL
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = defaultCatalogTimeout
		}
		s.Catalog = catalog.HTTPSource{URL: catalogURL, HTTPClient: &http.Client{Timeout: timeout}}
	case catalogPath != "":
		s.CatalogLocation = catalogPath
		s.Catalog = catalog.FileSource{Path: catalogPath}
	default:
		return Session{}, errors.New("no catalog location configured")
	}
	return s, nil
}

// AgentClient returns a client bound to this session's agent.
func (s Session) AgentClient(logger *slog.Logger) *agent.Client {
	c := agent.New(s.AgentURL, s.App)
	if s.Timeout > 0 {
		c.Timeout = s.Timeout
	}
	c.Logger = logger
	return c
}
