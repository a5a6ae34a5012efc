package skills

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

const frontmatterFence = "---"

// Frontmatter is the parsed YAML header of a SKILL.md file.
type Frontmatter struct {
	Name          string
	Description   string
	License       string
	Compatibility string
	Metadata      map[string]string
	AllowedTools  []string
	// Raw holds every frontmatter key as decoded.
	Raw map[string]any
	// BodyOffset is the byte offset at which the markdown body starts.
	BodyOffset int
	// Hash is the sha256 hex digest of the frontmatter block.
	Hash string
}

var markdown = goldmark.New(goldmark.WithExtensions(meta.Meta))

// ParseFrontmatter extracts the frontmatter of a SKILL.md document. The
// document must open with a "---" fenced YAML block that sets name and
// description.
func ParseFrontmatter(content []byte) (*Frontmatter, error) {
	block, offset, ok := splitFrontmatter(content)
	if !ok {
		return nil, errors.New("missing frontmatter")
	}

	pctx := parser.NewContext()
	markdown.Parser().Parse(text.NewReader(content), parser.WithContext(pctx))
	raw, err := meta.TryGet(pctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse frontmatter")
	}
	if raw == nil {
		return nil, errors.New("missing frontmatter")
	}

	fm := &Frontmatter{
		Name:          stringValue(raw["name"]),
		Description:   stringValue(raw["description"]),
		License:       stringValue(raw["license"]),
		Compatibility: stringValue(raw["compatibility"]),
		Metadata:      stringMap(raw["metadata"]),
		AllowedTools:  toolList(raw["allowed-tools"]),
		Raw:           raw,
		BodyOffset:    offset,
		Hash:          hashBlock(block),
	}

	if fm.Name == "" {
		return nil, errors.New("skill name is required in frontmatter")
	}
	if fm.Description == "" {
		return nil, errors.New("skill description is required in frontmatter")
	}

	return fm, nil
}

// Body returns the markdown that follows the frontmatter of content.
func Body(content []byte) string {
	_, offset, ok := splitFrontmatter(content)
	if !ok {
		return string(content)
	}
	return string(content[offset:])
}

// splitFrontmatter returns the YAML between the fences and the offset of the
// first byte after the closing fence line.
func splitFrontmatter(content []byte) ([]byte, int, bool) {
	firstEnd := bytes.IndexByte(content, '\n')
	if firstEnd < 0 || strings.TrimRight(string(content[:firstEnd]), "\r ") != frontmatterFence {
		return nil, 0, false
	}

	start := firstEnd + 1
	pos := start
	for pos < len(content) {
		end := bytes.IndexByte(content[pos:], '\n')
		lineEnd := len(content)
		next := len(content)
		if end >= 0 {
			lineEnd = pos + end
			next = lineEnd + 1
		}
		if strings.TrimSpace(string(content[pos:lineEnd])) == frontmatterFence {
			return content[start:pos], next, true
		}
		pos = next
	}
	return nil, 0, false
}

func hashBlock(block []byte) string {
	sum := sha256.Sum256(block)
	return hex.EncodeToString(sum[:])
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	default:
		return fmt.Sprint(val)
	}
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			out[k] = stringValue(val)
		}
	case map[any]any:
		for k, val := range m {
			out[fmt.Sprint(k)] = stringValue(val)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// toolList accepts either a whitespace separated string or a YAML list.
func toolList(v any) []string {
	var tools []string
	switch val := v.(type) {
	case string:
		tools = strings.Fields(val)
	case []any:
		for _, item := range val {
			if s := stringValue(item); s != "" {
				tools = append(tools, s)
			}
		}
	}
	return tools
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
