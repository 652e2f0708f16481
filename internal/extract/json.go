package extract

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

var errInvalidJSON = errors.New("invalid json")

// hotKeys are top-level fields treated as titles.
var hotKeys = []string{"title", "name", "description"}

// JSON indexes the string values of a JSON document. Keys are not
// indexed.
type JSON struct{}

func (*JSON) Name() string { return "json" }
func (*JSON) Version() int { return 1 }

func (*JSON) Extensions() []string {
	return []string{".json", ".jsonl", ".geojson"}
}

func (*JSON) MimeTypes() []string {
	return []string{"application/json"}
}

func (*JSON) Extract(r io.Reader, _ string) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading json: %w", err)
	}

	res := &Result{Properties: map[string]string{}}

	var text []string

	switch {
	case gjson.ValidBytes(data):
		doc := gjson.ParseBytes(data)
		collectStrings(doc, &text)

		var hot []string

		if doc.IsObject() {
			for _, key := range hotKeys {
				if v := doc.Get(key); v.Type == gjson.String {
					hot = append(hot, v.String())
					res.Properties[key] = v.String()
				}
			}
		}

		res.HotText = strings.Join(hot, "\n")
	default:
		// One document per line.
		lines := 0

		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if !gjson.Valid(line) {
				return nil, errInvalidJSON
			}

			collectStrings(gjson.Parse(line), &text)
			lines++
		}

		res.Properties["records"] = fmt.Sprint(lines)
	}

	res.Text = strings.Join(text, "\n")

	return res, nil
}

func collectStrings(v gjson.Result, out *[]string) {
	switch {
	case v.IsObject(), v.IsArray():
		v.ForEach(func(_, value gjson.Result) bool {
			collectStrings(value, out)
			return true
		})
	case v.Type == gjson.String:
		if s := strings.TrimSpace(v.String()); s != "" {
			*out = append(*out, s)
		}
	}
}
