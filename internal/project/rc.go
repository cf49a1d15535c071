// Package project reads the per-project files devloop depends on: the
// .devlooprc metadata file and the compiler configuration that tells the
// watcher where source files live.
package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the rc file leaves a value empty.
const (
	DefaultEntry          = "bin/server.js"
	DefaultRuntime        = "node"
	DefaultCompilerConfig = "tsconfig.json"
)

// RCFileNames lists the accepted metadata file names in lookup order.
var RCFileNames = []string{".devlooprc.yaml", ".devlooprc.yml", ".devlooprc.json"}

// MetaFile is a non-compiled file pattern and whether a change to a
// matching file restarts the application.
type MetaFile struct {
	Pattern      string `yaml:"pattern"`
	ReloadServer bool   `yaml:"reloadServer"`
}

// Runtime describes the binary used to run the entry script.
type Runtime struct {
	// Binary is the runtime executable (default node).
	Binary string `yaml:"binary"`

	// Version is an optional semver constraint the binary must satisfy.
	Version string `yaml:"version"`

	// Args are passed to the runtime before the script path.
	Args []string `yaml:"args"`
}

// Assets configures the secondary asset dev server.
type Assets struct {
	Serve  bool     `yaml:"serve"`
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

// RC is the parsed project metadata file.
type RC struct {
	Entry          string     `yaml:"entry"`
	Runtime        Runtime    `yaml:"runtime"`
	ScriptArgs     []string   `yaml:"scriptArgs"`
	CompilerConfig string     `yaml:"compilerConfig"`
	MetaFiles      []MetaFile `yaml:"metaFiles"`
	Assets         Assets     `yaml:"assets"`

	// Path is the file the RC was read from. Empty when defaults are used.
	Path string `yaml:"-"`
}

// DefaultRC returns the metadata used when a project has no rc file.
func DefaultRC() *RC {
	rc := &RC{}
	rc.applyDefaults()

	return rc
}

// LoadRC reads the first rc file found in root. A project without an rc
// file is valid and gets DefaultRC.
func LoadRC(root string) (*RC, error) {
	for _, name := range RCFileNames {
		p := filepath.Join(root, name)

		data, err := os.ReadFile(p) //nolint:gosec
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		rc := &RC{}
		if err := yaml.Unmarshal(data, rc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		if err := rc.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		rc.applyDefaults()
		rc.Path = p

		return rc, nil
	}

	return DefaultRC(), nil
}

func (rc *RC) applyDefaults() {
	if rc.Entry == "" {
		rc.Entry = DefaultEntry
	}

	if rc.Runtime.Binary == "" {
		rc.Runtime.Binary = DefaultRuntime
	}

	if rc.CompilerConfig == "" {
		rc.CompilerConfig = DefaultCompilerConfig
	}
}

func (rc *RC) validate() error {
	for i, m := range rc.MetaFiles {
		if strings.TrimSpace(m.Pattern) == "" {
			return fmt.Errorf("metaFiles[%d]: pattern is empty", i)
		}
	}

	if rc.Assets.Serve && rc.Assets.Binary == "" {
		return errors.New("assets.serve is set but assets.binary is empty")
	}

	return nil
}

// IsEnvFile reports whether rel names an environment variable file at the
// project root (.env or .env.<suffix>).
func IsEnvFile(rel string) bool {
	rel = filepath.ToSlash(rel)
	if strings.Contains(rel, "/") {
		return false
	}

	return rel == ".env" || strings.HasPrefix(rel, ".env.")
}

// IsMetadataFile reports whether rel names the project metadata file.
func IsMetadataFile(rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	for _, name := range RCFileNames {
		if rel == name {
			return true
		}
	}

	return false
}
