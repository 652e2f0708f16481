package filter

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Pattern matches a single file name. Three forms are accepted:
//
//	/regex/        regular expression, unanchored
//	prefix*suffix  a single wildcard, either side may be empty
//	name           exact match
type Pattern struct {
	exact  string
	prefix string
	suffix string
	re     *regexp.Regexp
	raw    string
}

// ParsePattern compiles s.
func ParsePattern(s string) (Pattern, error) {
	s = norm.NFC.String(strings.TrimSpace(s))
	if s == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}

	if len(s) > 1 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return Pattern{}, fmt.Errorf("compiling pattern %q: %w", s, err)
		}

		return Pattern{re: re, raw: s}, nil
	}

	i := strings.IndexByte(s, '*')
	if i < 0 {
		return Pattern{exact: s, raw: s}, nil
	}

	return Pattern{prefix: s[:i], suffix: s[i+1:], raw: s}, nil
}

// Match reports whether name matches.
func (p Pattern) Match(name string) bool {
	switch {
	case p.re != nil:
		return p.re.MatchString(name)
	case p.exact != "":
		return name == p.exact
	default:
		return len(name) >= len(p.prefix)+len(p.suffix) &&
			strings.HasPrefix(name, p.prefix) &&
			strings.HasSuffix(name, p.suffix)
	}
}

func (p Pattern) String() string {
	return p.raw
}

// LoadPatterns reads one pattern per line from path, skipping blank
// lines. The second return is false when the file does not exist.
// Lines that fail to compile are skipped.
func LoadPatterns(path string) ([]Pattern, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("opening pattern file: %w", err)
	}
	defer f.Close()

	var patterns []Pattern

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		p, err := ParsePattern(line)
		if err != nil {
			continue
		}

		patterns = append(patterns, p)
	}

	if err := scanner.Err(); err != nil {
		return nil, true, fmt.Errorf("reading pattern file: %w", err)
	}

	return patterns, true, nil
}
