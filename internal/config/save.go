package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save writes the full configuration to configPath. Comments attached to
// existing section keys and any unknown sections are preserved because
// section values are replaced node by node instead of re-marshaling the
// whole document.
func Save(configPath string, cfg Config) error {
	sections := []struct {
		key   string
		value any
	}{
		{"fleet", cfg.Fleet},
		{"worktree", cfg.Worktree},
		{"hooks", cfg.Hooks},
		{"storage", cfg.Storage},
		{"tracing", cfg.Tracing},
		{"waves", cfg.Waves},
		{"board", cfg.Board},
	}

	doc, err := loadDocument(configPath)
	if err != nil {
		return err
	}

	for _, section := range sections {
		node, err := buildSectionNode(section.value)
		if err != nil {
			return fmt.Errorf("building %s section: %w", section.key, err)
		}
		setSection(doc, section.key, node)
	}

	return writeDocument(configPath, doc)
}

// SaveSection updates a single top-level section in the config file.
// Other sections keep their comments and formatting.
func SaveSection(configPath string, key string, value any) error {
	doc, err := loadDocument(configPath)
	if err != nil {
		return err
	}

	node, err := buildSectionNode(value)
	if err != nil {
		return fmt.Errorf("building %s section: %w", key, err)
	}
	setSection(doc, key, node)

	return writeDocument(configPath, doc)
}

// loadDocument reads the config file into a yaml.Node, preserving comments.
// A missing or empty file yields a fresh document with an empty mapping.
func loadDocument(configPath string) (*yaml.Node, error) {
	data, err := os.ReadFile(configPath) //nolint:gosec // config path comes from the user
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}

	return &doc, nil
}

// buildSectionNode encodes a config section into a yaml.Node using the
// section's yaml struct tags.
func buildSectionNode(value any) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(value); err != nil {
		return nil, err
	}
	return &node, nil
}

// setSection replaces the value node for a top-level key, or appends the
// key when absent. The key node itself is kept so its comments survive.
func setSection(doc *yaml.Node, key string, node *yaml.Node) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}

	for i := 0; i < len(root.Content)-1; i += 2 {
		if root.Content[i].Value == key {
			root.Content[i+1] = node
			return
		}
	}

	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		node,
	)
}

// writeDocument marshals the document and writes it atomically (write to
// temp, then rename).
func writeDocument(configPath string, doc *yaml.Node) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".hive.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
