// Package parser reads the frontmatter of Markdown sources before they are
// chunked: title, tags and a declared memory type.
package parser

import (
	"bytes"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	hashtagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
	fenceRe   = regexp.MustCompile("(?s)```.*?```")
)

// Frontmatter is the subset of YAML keys mneme reads.
type Frontmatter struct {
	Title      string  `yaml:"title"`
	Tags       TagList `yaml:"tags"`
	MemoryType string  `yaml:"memory_type"`
}

// TagList accepts a YAML sequence or a comma separated string.
type TagList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TagList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		for _, s := range strings.Split(n.Value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*t = append(*t, s)
			}
		}
		return nil
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				continue
			}
			if s := strings.TrimSpace(item.Value); s != "" {
				*t = append(*t, s)
			}
		}
		return nil
	}
	return nil
}

// Result holds the output of parsing a Markdown file.
type Result struct {
	// HasFrontmatter is false when the block is absent or not valid YAML.
	HasFrontmatter bool
	Body           string
	Title          string
	// Tags are frontmatter tags followed by inline #hashtags, deduplicated.
	Tags []string
	// Type is the frontmatter memory_type, empty when absent.
	Type string
}

// Parse splits data into frontmatter and body. Malformed frontmatter is
// treated as part of the body, never as an error.
func Parse(data []byte) (*Result, error) {
	block, body, ok := split(data)
	res := &Result{Body: body}

	var fm Frontmatter
	if ok && yaml.Unmarshal(block, &fm) == nil {
		res.HasFrontmatter = true
	} else {
		res.Body = string(data)
		fm = Frontmatter{}
	}

	res.Type = strings.TrimSpace(fm.MemoryType)
	res.Title = strings.TrimSpace(fm.Title)
	if res.Title == "" {
		res.Title = firstHeading(res.Body)
	}
	res.Tags = mergeTags(fm.Tags, hashtags(res.Body))
	return res, nil
}

// split returns the YAML between a leading "---" line and the next one.
func split(data []byte) (block []byte, body string, ok bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), false
	}
	rest := trimmed[len(delim):]
	end := bytes.Index(rest, []byte("\n"+delim))
	if end < 0 {
		return nil, string(data), false
	}
	after := rest[end+1+len(delim):]
	return rest[:end], strings.TrimLeft(string(after), "\n\r"), true
}

// hashtags finds inline #tags outside fenced code.
func hashtags(body string) []string {
	var out []string
	for _, m := range hashtagRe.FindAllStringSubmatch(fenceRe.ReplaceAllString(body, ""), -1) {
		out = append(out, m[1])
	}
	return out
}

func mergeTags(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, t := range list {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// firstHeading returns the text of the first H1, or "".
func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if s := strings.TrimSpace(line); strings.HasPrefix(s, "# ") {
			return strings.TrimSpace(s[2:])
		}
	}
	return ""
}
