package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// yamlLimits bounds the shape of a config document before it is decoded.
type yamlLimits struct {
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
}

var defaultYAMLLimits = yamlLimits{
	MaxDepth:     16,
	MaxNodes:     4096,
	MaxKeyLength: 256,
}

// decodeYAML checks data against limits and decodes it into v. Unknown keys
// are rejected so a misspelled setting fails loudly instead of being ignored.
func decodeYAML(data []byte, v any, limits yamlLimits) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}

	w := &nodeWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// nodeWalker counts every node reached, aliases included, so anchor
// expansion is charged against MaxNodes.
type nodeWalker struct {
	limits yamlLimits
	nodes  int
}

func (w *nodeWalker) walk(n *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("nesting depth exceeds %d", w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("document has more than %d nodes", w.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if k := n.Content[i]; len(k.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("line %d: key longer than %d bytes", k.Line, w.limits.MaxKeyLength)
			}
			if err := w.walk(n.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth+1); err != nil {
				return err
			}
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			return w.walk(n.Alias, depth+1)
		}
	}
	return nil
}
