package wave

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/hive/internal/log"
)

// LoadBuiltinPlans parses the plans embedded in the binary.
func LoadBuiltinPlans() ([]Plan, error) {
	return loadPlansFromFS(builtinPlans, "plans", SourceBuiltIn)
}

// loadPlansFromFS loads plan files from a filesystem at the given
// directory path. Files that fail to parse or validate are skipped so
// one bad plan cannot hide the rest.
func loadPlansFromFS(fsys fs.FS, dir string, source Source) ([]Plan, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading plan directory: %w", err)
	}

	var plans []Plan
	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}

		// path.Join, not filepath.Join: embedded filesystems always
		// use forward slashes.
		fsPath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading plan file %s: %w", fsPath, err)
		}

		p, err := ParsePlan(content, entry.Name(), source)
		if err != nil {
			log.Warn(log.CatWave, "skipping invalid plan", "file", fsPath, "error", err)
			continue
		}
		plans = append(plans, p)
	}

	return plans, nil
}

// ParsePlan parses one plan document. The plan name defaults to the
// filename stem when the document gives none.
func ParsePlan(content []byte, filename string, source Source) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(content, &p); err != nil {
		return Plan{}, fmt.Errorf("parsing plan yaml: %w", err)
	}
	if p.Name == "" {
		p.Name = planName(filename)
	}
	p.Source = source
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// LoadUserPlansFromDir loads user-defined plans from dir. A missing
// directory is not an error, just no user plans. Invalid plan files are
// skipped with a warning.
func LoadUserPlansFromDir(dir string) ([]Plan, error) {
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking plan directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plan path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading plan directory: %w", err)
	}

	var plans []Plan
	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(filePath) // #nosec G304 -- path is under the configured plan dir
		if err != nil {
			return nil, fmt.Errorf("reading plan file %s: %w", filePath, err)
		}

		p, err := ParsePlan(content, entry.Name(), SourceUser)
		if err != nil {
			log.Warn(log.CatWave, "skipping invalid plan", "file", filePath, "error", err)
			continue
		}
		plans = append(plans, p)
	}

	return plans, nil
}

// LoadPlans merges builtin plans with user plans from dir. A user plan
// whose name matches a builtin replaces it. The result is sorted by
// name.
func LoadPlans(dir string) ([]Plan, error) {
	builtin, err := LoadBuiltinPlans()
	if err != nil {
		return nil, err
	}
	user, err := LoadUserPlansFromDir(dir)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Plan, len(builtin)+len(user))
	for _, p := range builtin {
		byName[p.Name] = p
	}
	for _, p := range user {
		byName[p.Name] = p
	}

	merged := make([]Plan, 0, len(byName))
	for _, p := range byName {
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged, nil
}

// Find returns the named plan from a loaded set.
func Find(plans []Plan, name string) (Plan, bool) {
	for _, p := range plans {
		if p.Name == name {
			return p, true
		}
	}
	return Plan{}, false
}

func isPlanFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// planName derives a plan name from a filename, e.g. "feature.yml"
// becomes "feature".
func planName(filename string) string {
	name := strings.TrimSuffix(filename, ".yaml")
	return strings.TrimSuffix(name, ".yml")
}
