// Package registry resolves agents from an optional catalog file and the
// manifests installed under the agents directory.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-link/internal/tools"
	"github.com/loqalabs/loqa-link/internal/tools/manifest"
)

// CommandFactory turns a manifest into runnable commands.
type CommandFactory interface {
	Commands(ctx context.Context, m manifest.Manifest, dir string) (tools.Commands, error)
}

type catalogFile struct {
	Agents []catalogEntry `yaml:"agents"`
}

type catalogEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// Registry implements tools.AgentLookup, tools.InstallationCheck and
// tools.CommandLoader. Manifests are read on every lookup so installs
// take effect without a restart; built commands are cached per manifest
// modification time.
type Registry struct {
	dir     string
	catalog map[string]tools.Agent
	factory CommandFactory
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedCommands
}

type cachedCommands struct {
	path    string
	modUnix int64
	cmds    tools.Commands
}

// New loads the catalog (if catalogPath is set) and prepares lookups
// against dir.
func New(dir, catalogPath string, factory CommandFactory, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		dir:     dir,
		catalog: make(map[string]tools.Agent),
		factory: factory,
		log:     log.With(slog.String("component", "registry")),
		cache:   make(map[string]cachedCommands),
	}
	if catalogPath != "" {
		if err := r.loadCatalog(catalogPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	for _, e := range cf.Agents {
		if e.ID == "" {
			continue
		}
		r.catalog[e.ID] = tools.Agent{ID: e.ID, Name: e.Name, Version: e.Version, Description: e.Description}
	}
	r.log.Info("agent catalog loaded", slog.Int("agents", len(r.catalog)))
	return nil
}

func (r *Registry) agentDir(id string) (string, bool) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", false
	}
	return filepath.Join(r.dir, id), true
}

func (r *Registry) manifest(id string) (manifest.Manifest, string, error) {
	dir, ok := r.agentDir(id)
	if !ok {
		return manifest.Manifest{}, "", manifest.ErrNotFound
	}
	m, err := manifest.LoadDir(dir)
	return m, dir, err
}

// AgentByID prefers catalog metadata and falls back to the manifest.
func (r *Registry) AgentByID(_ context.Context, id string) (*tools.Agent, error) {
	if a, ok := r.catalog[id]; ok {
		if a.Name == "" {
			a.Name = id
		}
		return &a, nil
	}
	m, _, err := r.manifest(id)
	if errors.Is(err, manifest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	name := m.Name
	if name == "" {
		name = id
	}
	return &tools.Agent{ID: id, Name: name, Version: m.Version, Description: m.Description}, nil
}

func (r *Registry) IsInstalled(_ context.Context, id string) (bool, error) {
	dir, ok := r.agentDir(id)
	if !ok {
		return false, nil
	}
	_, err := manifest.Find(dir)
	if errors.Is(err, manifest.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Registry) ReadCommands(ctx context.Context, id string) (tools.Commands, error) {
	dir, ok := r.agentDir(id)
	if !ok {
		return tools.Commands{}, manifest.ErrNotFound
	}
	path, err := manifest.Find(dir)
	if err != nil {
		return tools.Commands{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return tools.Commands{}, err
	}

	r.mu.Lock()
	c, ok := r.cache[id]
	r.mu.Unlock()
	if ok && c.path == path && c.modUnix == info.ModTime().UnixNano() {
		return c.cmds, nil
	}

	m, err := manifest.LoadDir(dir)
	if err != nil {
		return tools.Commands{}, err
	}
	if err := manifest.Validate(m); err != nil {
		return tools.Commands{}, err
	}
	cmds, err := r.factory.Commands(ctx, m, dir)
	if err != nil {
		return tools.Commands{}, err
	}
	r.mu.Lock()
	r.cache[id] = cachedCommands{path: path, modUnix: info.ModTime().UnixNano(), cmds: cmds}
	r.mu.Unlock()
	return cmds, nil
}

// Installed lists every agent with a manifest, sorted by id.
func (r *Registry) Installed(ctx context.Context) ([]tools.Agent, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []tools.Agent
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ok, err := r.IsInstalled(ctx, e.Name())
		if err != nil || !ok {
			continue
		}
		a, err := r.AgentByID(ctx, e.Name())
		if err != nil {
			r.log.Warn("skip agent", slog.String("agent", e.Name()), slog.String("error", err.Error()))
			continue
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
