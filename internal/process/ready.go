package process

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Ready is the message an application sends once its HTTP server listens.
type Ready struct {
	Host string
	Port int
}

// URL returns the address for display.
func (r Ready) URL() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// ParseReady accepts {isReady: true, environment: "web", host, port}.
// isAdonisJS is accepted in place of isReady. Anything else is not a
// ready message.
func ParseReady(msg Message) (Ready, bool) {
	if msg == nil {
		return Ready{}, false
	}

	ready, _ := msg["isReady"].(bool)
	if !ready {
		ready, _ = msg["isAdonisJS"].(bool)
	}

	if !ready {
		return Ready{}, false
	}

	if env, _ := msg["environment"].(string); env != "web" {
		return Ready{}, false
	}

	host, ok := msg["host"].(string)
	if !ok {
		return Ready{}, false
	}

	port, ok := msg["port"].(float64)
	if !ok || port <= 0 || port != float64(int(port)) {
		return Ready{}, false
	}

	return Ready{Host: host, Port: int(port)}, true
}

// CheckRuntime runs "<binary> --version" and verifies the reported version
// satisfies constraint. An empty constraint is always satisfied.
func CheckRuntime(ctx context.Context, binary, constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid runtime version constraint %q: %w", constraint, err)
	}

	out, err := exec.CommandContext(ctx, binary, "--version").Output() //nolint:gosec
	if err != nil {
		return fmt.Errorf("running %s --version: %w", binary, err)
	}

	raw := strings.TrimSpace(string(out))

	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("parsing %s version %q: %w", binary, raw, err)
	}

	if !c.Check(v) {
		return fmt.Errorf("%s %s does not satisfy %s", binary, v, constraint)
	}

	return nil
}
