package security

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the size and shape of parsed YAML documents. Config
// files come from the operator, but a malformed or hostile file must not
// exhaust memory before the framework even starts.
type YAMLLimits struct {
	MaxFileSize int64 // bytes, default 1 MiB
	MaxDepth    int   // nesting levels, default 16
	MaxNodes    int   // total nodes, default 10000
}

// DefaultYAMLLimits returns the limits applied to config files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize: 1 << 20,
		MaxDepth:    16,
		MaxNodes:    10000,
	}
}

// SafeYAMLParser is a yaml.Unmarshal wrapper that validates document size,
// depth, and node count before decoding into the target.
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser builds a parser with the given limits.
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// Unmarshal decodes data into v after validating it against the limits.
func (p *SafeYAMLParser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml document %d bytes exceeds limit %d", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}

	nodes := 0
	if err := p.walk(&root, 0, &nodes); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

func (p *SafeYAMLParser) walk(node *yaml.Node, depth int, nodes *int) error {
	if depth > p.limits.MaxDepth {
		return fmt.Errorf("yaml nesting depth exceeds limit %d", p.limits.MaxDepth)
	}
	*nodes++
	if *nodes > p.limits.MaxNodes {
		return fmt.Errorf("yaml node count exceeds limit %d", p.limits.MaxNodes)
	}

	childDepth := depth + 1
	if node.Kind == yaml.DocumentNode {
		// Document wrappers do not count as a nesting level.
		childDepth = depth
	}
	for _, child := range node.Content {
		if err := p.walk(child, childDepth, nodes); err != nil {
			return err
		}
	}
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		if err := p.walk(node.Alias, childDepth, nodes); err != nil {
			return err
		}
	}
	return nil
}
