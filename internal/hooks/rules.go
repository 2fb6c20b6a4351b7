package hooks

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is a declarative regex hook, either built in or loaded from the
// rules file.
type Rule struct {
	// ID names the hook.
	ID string `yaml:"id"`

	// Priority orders evaluation, higher first.
	Priority int `yaml:"priority"`

	// Enabled toggles the rule. Nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Ops limits which operation types the rule inspects. Empty
	// inspects all.
	Ops []OpType `yaml:"ops,omitempty"`

	// Pattern is the regular expression matched against the context's
	// command text, falling back to its path.
	Pattern string `yaml:"pattern"`

	// Reason is reported when the pattern matches.
	Reason string `yaml:"reason"`

	// Severity defaults to critical.
	Severity string `yaml:"severity,omitempty"`
}

// Compile turns the rule into a pipeline hook.
func (r Rule) Compile() (Hook, error) {
	if r.ID == "" {
		return Hook{}, errors.New("rule is missing an id")
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return Hook{}, fmt.Errorf("rule %s: bad pattern: %w", r.ID, err)
	}

	severity := r.Severity
	if severity == "" {
		severity = SeverityCritical
	}
	reason := r.Reason
	if reason == "" {
		reason = fmt.Sprintf("matched pattern of rule %s", r.ID)
	}

	var ops map[OpType]struct{}
	if len(r.Ops) > 0 {
		ops = make(map[OpType]struct{}, len(r.Ops))
		for _, op := range r.Ops {
			ops[op] = struct{}{}
		}
	}

	return Hook{
		ID:       r.ID,
		Priority: r.Priority,
		Enabled:  r.Enabled == nil || *r.Enabled,
		Validate: func(c Context) Decision {
			if ops != nil {
				if _, ok := ops[c.Type]; !ok {
					return Allow()
				}
			}
			if re.MatchString(c.Text()) {
				return Block(reason, severity)
			}
			return Allow()
		},
	}, nil
}

// builtinRules seed the pipeline with blocks for classically destructive
// operations. Patterns match command text for shell operations and paths
// for file operations.
var builtinRules = []Rule{
	{
		ID:       "block-root-delete",
		Priority: 100,
		Ops:      []OpType{OpBashCommand},
		Pattern:  `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r|-rf|-fr)\s+("?/"?|/\*|~|\$HOME)(\s|$|;)`,
		Reason:   "recursive delete of a root-level path",
	},
	{
		ID:       "block-fork-bomb",
		Priority: 100,
		Ops:      []OpType{OpBashCommand},
		Pattern:  `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
		Reason:   "fork bomb pattern",
	},
	{
		ID:       "block-device-write",
		Priority: 90,
		Ops:      []OpType{OpBashCommand, OpFileWrite},
		Pattern:  `(^|\s|=|>)\s*/dev/(sd[a-z]|hd[a-z]|vd[a-z]|nvme\d+n\d+|mmcblk\d+)`,
		Reason:   "write to a raw block device",
	},
	{
		ID:       "block-secret-read",
		Priority: 80,
		Ops:      []OpType{OpBashCommand, OpFileRead},
		Pattern:  `(\.ssh/id_[a-z0-9]+|\.aws/credentials|\.netrc|/etc/shadow|\.gnupg/)`,
		Reason:   "read of a well-known secret file",
	},
}

// Builtin returns the seeded hooks. Patterns are literals, so a compile
// failure is a programming error.
func Builtin() []Hook {
	hooks := make([]Hook, 0, len(builtinRules))
	for _, r := range builtinRules {
		h, err := r.Compile()
		if err != nil {
			panic(err)
		}
		hooks = append(hooks, h)
	}
	return hooks
}

// rulesFile is the schema of the user rules file.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads and compiles the YAML rules file. A missing file is
// not an error and yields no hooks.
func LoadRules(path string) ([]Hook, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	hooks := make([]Hook, 0, len(file.Rules))
	for _, r := range file.Rules {
		h, err := r.Compile()
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}
