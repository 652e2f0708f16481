package extract

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Text handles plain text files.
type Text struct{}

func (*Text) Name() string { return "text" }
func (*Text) Version() int { return 1 }

func (*Text) Extensions() []string {
	return []string{".txt", ".text", ".log", ".csv", ".go", ".py", ".c", ".h", ".sh", ".toml", ".ini", ".conf", ".yaml", ".yml"}
}

func (*Text) MimeTypes() []string {
	return []string{"text/plain", "text/csv", "text/x-log"}
}

func (*Text) Extract(r io.Reader, _ string) (*Result, error) {
	text, err := readText(r)
	if err != nil {
		return nil, err
	}

	return &Result{Text: text, Properties: map[string]string{}}, nil
}

// readText reads r as UTF-8 text in NFC form. Invalid sequences are
// dropped rather than failing the whole file.
func readText(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading text: %w", err)
	}

	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}

	return norm.NFC.String(s), nil
}
