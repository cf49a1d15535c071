// Package classify maps a changed project path to the action the dev
// server takes for it: restart the application, log the change, or ignore
// it. Classification is pure; the only state is the compiled rule set.
package classify

import (
	"fmt"

	"github.com/hupe1980/devloop/internal/project"
)

// Kind is the type of file system change reported by the watcher.
type Kind int

const (
	SourceAdd Kind = iota
	SourceChange
	SourceDelete
	Add
	Change
	Delete
)

// IsSource reports whether the change happened to a compiled source file.
func (k Kind) IsSource() bool {
	return k == SourceAdd || k == SourceChange || k == SourceDelete
}

// Action returns the verb printed for the change.
func (k Kind) Action() string {
	switch k {
	case SourceAdd, Add:
		return "add"
	case SourceDelete, Delete:
		return "delete"
	default:
		return "update"
	}
}

func (k Kind) String() string {
	prefix := ""
	if k.IsSource() {
		prefix = "source:"
	}

	switch k {
	case SourceAdd, Add:
		return prefix + "add"
	case SourceChange, Change:
		return prefix + "change"
	case SourceDelete, Delete:
		return prefix + "unlink"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one change notification, relative to the project root.
type Event struct {
	Kind         Kind
	RelativePath string
}

// Category is the decision made for an Event.
type Category int

const (
	// Ignore drops the change silently.
	Ignore Category = iota
	// LogOnly prints the change without touching the process.
	LogOnly
	// RestartIfConfigured is reserved for rule-driven restarts.
	// Classify reports restart-enabled rules as RestartAlways.
	RestartIfConfigured
	// RestartAlways restarts the supervised process.
	RestartAlways
)

// Restarts reports whether the category restarts the supervised process.
func (c Category) Restarts() bool {
	return c == RestartAlways || c == RestartIfConfigured
}

func (c Category) String() string {
	switch c {
	case Ignore:
		return "ignore"
	case LogOnly:
		return "log-only"
	case RestartIfConfigured:
		return "restart-if-configured"
	case RestartAlways:
		return "restart"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Rule is a meta file pattern and whether matching changes restart the
// application. Rules are immutable once passed to New.
type Rule struct {
	Pattern      string
	ReloadServer bool
}

// RulesFromMetaFiles converts rc file entries into rules.
func RulesFromMetaFiles(files []project.MetaFile) []Rule {
	rules := make([]Rule, 0, len(files))
	for _, f := range files {
		rules = append(rules, Rule{Pattern: f.Pattern, ReloadServer: f.ReloadServer})
	}

	return rules
}

// Classifier holds the compiled rule tiers.
type Classifier struct {
	reload   []Matcher
	noReload []Matcher
}

// New compiles rules with the glob engine. Insertion order is kept within
// each tier.
func New(rules []Rule) (*Classifier, error) {
	compiled := make([]RuleMatcher, 0, len(rules))

	for i, r := range rules {
		m, err := CompileGlob(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		compiled = append(compiled, RuleMatcher{Matcher: m, ReloadServer: r.ReloadServer})
	}

	return NewWithMatchers(compiled), nil
}

// RuleMatcher pairs an already compiled matcher with its restart flag.
type RuleMatcher struct {
	Matcher      Matcher
	ReloadServer bool
}

// NewWithMatchers builds a classifier from pre-compiled matchers, allowing
// a different matching engine.
func NewWithMatchers(rules []RuleMatcher) *Classifier {
	c := &Classifier{}
	for _, r := range rules {
		c.add(r.Matcher, r.ReloadServer)
	}

	return c
}

func (c *Classifier) add(m Matcher, reload bool) {
	if reload {
		c.reload = append(c.reload, m)
		return
	}

	c.noReload = append(c.noReload, m)
}

// Classify returns exactly one category for ev.
func (c *Classifier) Classify(ev Event) Category {
	rel := ev.RelativePath

	if project.IsEnvFile(rel) || project.IsMetadataFile(rel) {
		return RestartAlways
	}

	// The restart tier is consulted first so a path matched by both tiers
	// restarts.
	if matchAny(c.reload, rel) {
		return RestartAlways
	}

	if matchAny(c.noReload, rel) {
		return LogOnly
	}

	if ev.Kind.IsSource() {
		return RestartAlways
	}

	return Ignore
}

func matchAny(matchers []Matcher, rel string) bool {
	for _, m := range matchers {
		if m.Match(rel) {
			return true
		}
	}

	return false
}
