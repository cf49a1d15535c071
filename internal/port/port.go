// Package port picks the port the supervised application binds to.
//
// The preferred port comes from (highest first) an explicit value, the PORT
// environment variable, the PORT entry of the project's .env file, and a
// fixed fallback. When the preferred port is taken, a free port is
// allocated by the operating system instead.
package port

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"
)

// DefaultPort is used when no preference is configured anywhere.
const DefaultPort = 3333

// Options controls Resolve.
type Options struct {
	// ProjectRoot is where the .env file is looked up.
	ProjectRoot string

	// Preferred is an explicit port; 0 means unset.
	Preferred int

	// Host is the interface availability is probed on. Empty means all.
	Host string

	// Fallback replaces DefaultPort when non-zero.
	Fallback int

	// LookupEnv reads process environment variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Resolver returns the port to bind.
type Resolver interface {
	Resolve(ctx context.Context, opts Options) (int, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, opts Options) (int, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, opts Options) (int, error) { return f(ctx, opts) }

// Default is the Resolver backed by Resolve.
var Default Resolver = ResolverFunc(Resolve)

// Resolve returns the preferred port if it can be bound, otherwise a free
// port chosen by the operating system.
func Resolve(ctx context.Context, opts Options) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	preferred, err := Preferred(opts)
	if err != nil {
		return 0, err
	}

	if available(ctx, opts.Host, preferred) {
		return preferred, nil
	}

	return free(ctx, opts.Host)
}

// Preferred returns the port devloop would like to use, without probing.
func Preferred(opts Options) (int, error) {
	if opts.Preferred != 0 {
		return validate(opts.Preferred, "preferred port")
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		return parse(v, "PORT environment variable")
	}

	if opts.ProjectRoot != "" {
		v, err := dotEnvPort(opts.ProjectRoot)
		if err != nil {
			return 0, err
		}

		if v != "" {
			return parse(v, "PORT in .env")
		}
	}

	if opts.Fallback != 0 {
		return validate(opts.Fallback, "fallback port")
	}

	return DefaultPort, nil
}

func dotEnvPort(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, ".env")) //nolint:gosec
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("opening .env: %w", err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return "", fmt.Errorf("parsing .env: %w", err)
	}

	return strings.TrimSpace(env["PORT"]), nil
}

func parse(v, source string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", source, v, err)
	}

	return validate(p, source)
}

func validate(p int, source string) (int, error) {
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid %s %d: must be between 1 and 65535", source, p)
	}

	return p, nil
}

func available(ctx context.Context, host string, p int) bool {
	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(p)))
	if err != nil {
		return false
	}

	_ = l.Close()

	return true
}

func free(ctx context.Context, host string) (int, error) {
	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocating free port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("allocating free port: unexpected address %s", l.Addr())
	}

	return addr.Port, nil
}
