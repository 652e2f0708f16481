package extract

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Markdown handles markdown notes. Headings and the frontmatter title
// become hot text; frontmatter scalars and tags become properties.
type Markdown struct{}

func (*Markdown) Name() string { return "markdown" }
func (*Markdown) Version() int { return 2 }

func (*Markdown) Extensions() []string {
	return []string{".md", ".markdown", ".mdown"}
}

func (*Markdown) MimeTypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (*Markdown) Extract(r io.Reader, _ string) (*Result, error) {
	text, err := readText(r)
	if err != nil {
		return nil, err
	}

	fm, body := splitFrontmatter([]byte(text))

	res := &Result{Text: string(body), Properties: map[string]string{}}

	var hot []string

	if fm != nil {
		for k, v := range fm {
			switch val := v.(type) {
			case string:
				res.Properties[k] = val
			case []any:
				parts := make([]string, 0, len(val))
				for _, item := range val {
					parts = append(parts, fmt.Sprint(item))
				}

				sort.Strings(parts)
				res.Properties[k] = strings.Join(parts, ",")
			case nil:
			default:
				res.Properties[k] = fmt.Sprint(val)
			}
		}

		if title, ok := fm["title"].(string); ok {
			hot = append(hot, title)
		}
	}

	for _, line := range strings.Split(res.Text, "\n") {
		line = strings.TrimSpace(line)
		if heading, ok := strings.CutPrefix(line, "#"); ok {
			hot = append(hot, strings.TrimSpace(strings.TrimLeft(heading, "#")))
		}
	}

	res.HotText = strings.Join(hot, "\n")

	return res, nil
}

// splitFrontmatter separates a leading YAML block delimited by "---"
// lines from the body. Content without a valid block is returned
// unchanged with a nil map.
func splitFrontmatter(content []byte) (map[string]any, []byte) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, content
	}

	// Skip the rest of the opening line (could be "---\n" or "---\r\n").
	rest := content[3:]

	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, content
	}

	rest = rest[idx+1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, content
	}

	block := rest[:end]
	body := rest[end+len("\n---"):]

	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}

	fm := map[string]any{}
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, content
	}

	return fm, body
}
