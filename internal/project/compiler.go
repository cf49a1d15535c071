package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	sigsyaml "sigs.k8s.io/yaml"
)

// ErrNoIncludeRoots is returned by SourceRoots when the compiler
// configuration does not name anything to compile.
var ErrNoIncludeRoots = errors.New("compiler config has no include targets")

// ErrExtendsCycle is returned when a chain of extends refers back to itself.
var ErrExtendsCycle = errors.New("compiler config extends itself")

// defaultInclude applies when neither include nor files is set.
var defaultInclude = []string{"**/*"}

// CompilerOptions is the subset of compilerOptions devloop reads.
type CompilerOptions struct {
	OutDir  string `json:"outDir"`
	RootDir string `json:"rootDir"`
}

// CompilerConfig is the subset of a tsconfig.json devloop needs to build
// its watch list. A nil Include or Files means the key is absent; an empty
// non-nil slice means it was set to [].
type CompilerConfig struct {
	Extends         Extends         `json:"extends"`
	Include         []string        `json:"include"`
	Files           []string        `json:"files"`
	Exclude         []string        `json:"exclude"`
	CompilerOptions CompilerOptions `json:"compilerOptions"`

	// Path is the file the config was read from.
	Path string `json:"-"`
}

// Extends holds the configs a compiler config inherits from. It decodes
// from a single string or a list.
type Extends []string

// UnmarshalJSON accepts "base.json" and ["a.json", "b.json"].
func (e *Extends) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*e = Extends{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("extends must be a string or a list of strings: %w", err)
	}

	*e = many

	return nil
}

// LoadCompilerConfig reads the compiler configuration file (relative to
// root unless absolute). Comments and trailing commas are allowed.
//
// Extended configs are merged in: relative references are resolved from
// the extending file, package references from node_modules. A package
// that is not installed is skipped. Paths of the result are relative to
// root.
func LoadCompilerConfig(root, file string) (*CompilerConfig, error) {
	if file == "" {
		file = DefaultCompilerConfig
	}

	p := file
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, file)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("resolving compiler config: %w", err)
	}

	cfg, err := loadCompilerChain(absRoot, absPath, map[string]bool{})
	if err != nil {
		return nil, err
	}

	cfg.Path = p

	return cfg, nil
}

func loadCompilerChain(root, p string, visiting map[string]bool) (*CompilerConfig, error) {
	if visiting[p] {
		return nil, fmt.Errorf("%w: %s", ErrExtendsCycle, p)
	}

	visiting[p] = true
	defer delete(visiting, p)

	cfg, err := readCompilerConfig(p)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(p)
	cfg.rebase(root, dir)

	// Later entries override earlier ones; the file itself overrides all.
	base := &CompilerConfig{}

	for _, ref := range cfg.Extends {
		bp, ok, err := resolveExtends(dir, ref)
		if err != nil {
			return nil, fmt.Errorf("compiler config %s: %w", p, err)
		}

		if !ok {
			continue
		}

		parent, err := loadCompilerChain(root, bp, visiting)
		if err != nil {
			return nil, err
		}

		base = parent.over(base)
	}

	merged := cfg.over(base)
	merged.Extends = cfg.Extends

	return merged, nil
}

func readCompilerConfig(p string) (*CompilerConfig, error) {
	data, err := os.ReadFile(p) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading compiler config: %w", err)
	}

	v, err := hujson.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing compiler config %s: %w", p, err)
	}

	v.Minimize()

	var cfg CompilerConfig
	if err := sigsyaml.Unmarshal(v.Pack(), &cfg); err != nil {
		return nil, fmt.Errorf("parsing compiler config %s: %w", p, err)
	}

	return &cfg, nil
}

// resolveExtends locates ref. Relative and absolute references must exist;
// package references that cannot be found report ok=false.
func resolveExtends(dir, ref string) (string, bool, error) {
	if ref == "" {
		return "", false, nil
	}

	candidates := func(p string) []string {
		return []string{p, p + ".json", filepath.Join(p, DefaultCompilerConfig)}
	}

	if filepath.IsAbs(ref) || strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		p := ref
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, filepath.FromSlash(ref))
		}

		for _, c := range candidates(p) {
			if isFile(c) {
				return c, true, nil
			}
		}

		return "", false, fmt.Errorf("extended config %q not found", ref)
	}

	for d := dir; ; d = filepath.Dir(d) {
		for _, c := range candidates(filepath.Join(d, "node_modules", filepath.FromSlash(ref))) {
			if isFile(c) {
				return c, true, nil
			}
		}

		if parent := filepath.Dir(d); parent == d {
			return "", false, nil
		}
	}
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// rebase rewrites the paths of c, which are relative to dir, to be
// relative to root.
func (c *CompilerConfig) rebase(root, dir string) {
	rel := func(p string) string {
		if p == "" {
			return p
		}

		abs := filepath.FromSlash(p)
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(dir, abs)
		}

		r, err := filepath.Rel(root, abs)
		if err != nil {
			return p
		}

		return filepath.ToSlash(r)
	}

	relAll := func(ps []string) []string {
		if ps == nil {
			return nil
		}

		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = rel(p)
		}

		return out
	}

	c.Include = relAll(c.Include)
	c.Files = relAll(c.Files)
	c.Exclude = relAll(c.Exclude)
	c.CompilerOptions.OutDir = rel(c.CompilerOptions.OutDir)
	c.CompilerOptions.RootDir = rel(c.CompilerOptions.RootDir)
}

// over returns c with every unset field taken from base.
func (c *CompilerConfig) over(base *CompilerConfig) *CompilerConfig {
	out := *c

	if out.Include == nil {
		out.Include = base.Include
	}

	if out.Files == nil {
		out.Files = base.Files
	}

	if out.Exclude == nil {
		out.Exclude = base.Exclude
	}

	if out.CompilerOptions.OutDir == "" {
		out.CompilerOptions.OutDir = base.CompilerOptions.OutDir
	}

	if out.CompilerOptions.RootDir == "" {
		out.CompilerOptions.RootDir = base.CompilerOptions.RootDir
	}

	return &out
}

// SourceRoots reduces the include globs and listed files to the
// directories that have to be watched, relative to the project root and
// without duplicates. Without include and files everything below the root
// is included.
func (c *CompilerConfig) SourceRoots() ([]string, error) {
	if c == nil {
		return nil, ErrNoIncludeRoots
	}

	include := c.Include
	if include == nil && c.Files == nil {
		include = defaultInclude
	}

	patterns := make([]string, 0, len(include)+len(c.Files))
	patterns = append(patterns, include...)
	patterns = append(patterns, c.Files...)

	seen := make(map[string]struct{}, len(patterns))
	roots := make([]string, 0, len(patterns))

	for _, inc := range patterns {
		if strings.TrimSpace(inc) == "" {
			continue
		}

		base := GlobBase(inc)
		if _, ok := seen[base]; ok {
			continue
		}

		seen[base] = struct{}{}
		roots = append(roots, base)
	}

	if len(roots) == 0 {
		return nil, ErrNoIncludeRoots
	}

	return roots, nil
}

// OutDir returns the cleaned compiled-output directory, or "" when unset.
func (c *CompilerConfig) OutDir() string {
	if c == nil || c.CompilerOptions.OutDir == "" {
		return ""
	}

	return path.Clean(filepath.ToSlash(strings.TrimPrefix(c.CompilerOptions.OutDir, "./")))
}

// GlobBase returns the leading path segments of pattern that contain no
// glob syntax. "src/**/*.ts" yields "src"; "**/*" yields ".".
func GlobBase(pattern string) string {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")

	var static []string

	for _, seg := range strings.Split(pattern, "/") {
		if seg == "" || seg == "." {
			continue
		}

		if strings.ContainsAny(seg, "*?[]{}()!") {
			break
		}

		static = append(static, seg)
	}

	if len(static) == 0 {
		return "."
	}

	// A fully static pattern names a file; watch its directory.
	if len(static) == len(strings.Split(strings.Trim(pattern, "/"), "/")) && path.Ext(pattern) != "" {
		static = static[:len(static)-1]
		if len(static) == 0 {
			return "."
		}
	}

	return path.Join(static...)
}
