package chunker

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/starford/mneme/internal/models"
)

// definitionTypes are the top-level node types that open a new chunk.
var definitionTypes = map[models.Format]map[string]bool{
	models.FormatGo: {
		"function_declaration": true,
		"method_declaration":   true,
		"type_declaration":     true,
	},
	models.FormatPython: {
		"function_definition":  true,
		"class_definition":     true,
		"decorated_definition": true,
	},
	models.FormatJavaScript: {
		"function_declaration":           true,
		"generator_function_declaration": true,
		"class_declaration":              true,
		"export_statement":               true,
	},
	models.FormatTypeScript: {
		"function_declaration":           true,
		"generator_function_declaration": true,
		"class_declaration":              true,
		"abstract_class_declaration":     true,
		"export_statement":               true,
		"interface_declaration":          true,
		"type_alias_declaration":         true,
		"enum_declaration":               true,
	},
}

func languageFor(format models.Format) *sitter.Language {
	switch format {
	case models.FormatGo:
		return golang.GetLanguage()
	case models.FormatPython:
		return python.GetLanguage()
	case models.FormatJavaScript:
		return javascript.GetLanguage()
	case models.FormatTypeScript:
		return typescript.GetLanguage()
	}
	return nil
}

// codeStrategy cuts before each top-level definition, pulling directly
// attached comments along with it. Anything before the first definition is
// folded into the first chunk. Sources that fail to parse, or that hold no
// definitions, fall back to windows.
type codeStrategy struct {
	format   models.Format
	fallback windowStrategy
}

func (c codeStrategy) split(text string) []span {
	cuts, ok := c.boundaries([]byte(text))
	if !ok || len(cuts) == 0 {
		return c.fallback.split(text)
	}

	// The first definition never opens a chunk of its own preamble.
	cuts = cuts[1:]
	bounds := append([]int{0}, cuts...)
	bounds = append(bounds, len(text))

	var out []span
	for i := 0; i < len(bounds)-1; i++ {
		if sp, ok := trim(text, bounds[i], bounds[i+1]); ok {
			out = append(out, sp)
		}
	}
	return out
}

// boundaries returns the sorted start offsets of top-level definitions.
func (c codeStrategy) boundaries(src []byte) ([]int, bool) {
	lang := languageFor(c.format)
	if lang == nil {
		return nil, false
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil || tree == nil {
		return nil, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, false
	}
	kinds := definitionTypes[c.format]

	var cuts []int
	n := int(root.NamedChildCount())
	for i := 0; i < n; i++ {
		node := root.NamedChild(i)
		if node == nil || !kinds[node.Type()] {
			continue
		}
		start := node.StartByte()
		row := node.StartPoint().Row
		for j := i - 1; j >= 0; j-- {
			prev := root.NamedChild(j)
			if prev == nil || prev.Type() != "comment" || prev.EndPoint().Row+1 < row {
				break
			}
			start = prev.StartByte()
			row = prev.StartPoint().Row
		}
		if len(cuts) > 0 && int(start) <= cuts[len(cuts)-1] {
			continue
		}
		cuts = append(cuts, int(start))
	}
	return cuts, true
}
