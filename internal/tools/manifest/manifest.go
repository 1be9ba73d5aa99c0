package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File names probed, in order, inside an agent directory.
var FileNames = []string{"agent.yaml", "agent.yml", "data.json"}

var ErrNotFound = errors.New("agent manifest not found")

// Manifest describes an installed agent. The same schema is read from YAML
// (agent.yaml) and from the JSON data.json written by the desktop installer.
type Manifest struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Description string            `yaml:"description" json:"description"`
	Author      string            `yaml:"author" json:"author"`
	Mode        string            `yaml:"mode" json:"mode"`
	Port        int               `yaml:"port" json:"port"`
	Module      string            `yaml:"module" json:"module"`
	Env         map[string]string `yaml:"env" json:"env"`
	Commands    CommandSet        `yaml:"commands" json:"commands"`
}

type CommandSet struct {
	Run   *CommandSpec `yaml:"run" json:"run"`
	Setup *CommandSpec `yaml:"setup" json:"setup"`
}

// CommandSpec is one entry point. Endpoint and Method apply to http agents,
// Command to exec agents and to wasm agents as extra arguments.
type CommandSpec struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Method    string `yaml:"method" json:"method"`
	Command   string `yaml:"command" json:"command"`
	TimeoutMS int    `yaml:"timeout_ms" json:"timeout_ms"`
}

const (
	ModeHTTP = "http"
	ModeExec = "exec"
	ModeWasm = "wasm"
)

// Load reads a manifest, choosing the decoder from the file extension.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	m.applyDefaults()
	return m, nil
}

// Find returns the manifest path inside dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// LoadDir finds and loads the manifest of the agent installed in dir.
func LoadDir(dir string) (Manifest, error) {
	p, err := Find(dir)
	if err != nil {
		return Manifest{}, err
	}
	m, err := Load(p)
	if err != nil {
		return Manifest{}, err
	}
	if m.ID == "" {
		m.ID = filepath.Base(dir)
	}
	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Mode == "" && m.Port > 0 {
		m.Mode = ModeHTTP
	}
	if m.Mode != ModeHTTP {
		return
	}
	if m.Commands.Run != nil {
		m.Commands.Run.defaults("/run")
	}
	if m.Commands.Setup != nil {
		m.Commands.Setup.defaults("/setup")
	}
}

func (c *CommandSpec) defaults(endpoint string) {
	if c.Endpoint == "" {
		c.Endpoint = endpoint
	}
	if c.Method == "" {
		c.Method = "POST"
	}
}

// Validate ensures the manifest can be executed.
func Validate(m Manifest) error {
	switch m.Mode {
	case "":
		return fmt.Errorf("mode is required (or port for http agents)")
	case ModeHTTP:
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535 for http agents")
		}
	case ModeExec:
		if m.Commands.Run != nil && strings.TrimSpace(m.Commands.Run.Command) == "" {
			return fmt.Errorf("commands.run.command is required for exec agents")
		}
	case ModeWasm:
		if m.Module == "" {
			return fmt.Errorf("module is required for wasm agents")
		}
	default:
		return fmt.Errorf("mode %q not supported", m.Mode)
	}
	return nil
}
