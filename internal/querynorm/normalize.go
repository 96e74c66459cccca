// Package querynorm turns raw SQL text into a canonical, classified form
// so that structurally identical queries aggregate together.
package querynorm

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/tinytelemetry/qlprof/internal/model"
)

var (
	// A parenthesized run of at least 20 digits, commas and spaces.
	numlistPattern = regexp.MustCompile(`\([0-9, ]{20,}\)`)

	// A comparison operator run followed by a numeric literal.
	constantPattern = regexp.MustCompile(`[<>=]+ *(-?(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)(?:[eE][-+]?[0-9]+)?)`)

	insertTablePattern = regexp.MustCompile("^INSERT INTO ([`'\"]?[\\w.$]+[`'\"]?)")
)

const (
	placeholder       = "?"
	valuesPlaceholder = "<values>"
)

// prefixes is checked in order; the first match wins.
var prefixes = []struct {
	prefix string
	qt     model.QueryType
}{
	{"INSERT INTO", model.QueryInsert},
	{"SELECT", model.QuerySelect},
	{"CREATE TABLE", model.QueryCreateTable},
	{"SET", model.QuerySet},
	{"LOAD DATA", model.QueryLoad},
	{"ALTER", model.QueryAlter},
}

// Normalizer canonicalizes query text. It is safe for concurrent use.
type Normalizer struct {
	reserved ReservedWords
}

// NewNormalizer creates a Normalizer. A nil word set uses the embedded
// MySQL keyword list.
func NewNormalizer(reserved ReservedWords) *Normalizer {
	if reserved == nil {
		reserved = DefaultReservedWords()
	}
	return &Normalizer{reserved: reserved}
}

// Normalize canonicalizes, parameterizes and classifies raw.
func (n *Normalizer) Normalize(raw string) model.NormalizedQuery {
	text := n.canonicalize(raw)
	if text == "" {
		return model.NormalizedQuery{Type: model.QueryOther}
	}

	text = collapseNumlists(text)
	text, values := extractConstants(text)

	matchable := text
	qt := Classify(text)
	if qt == model.QueryInsert && strings.Contains(strings.ToUpper(text), "VALUES") {
		text = truncateInsert(text)
		values = nil
	}

	return model.NormalizedQuery{
		Type:      qt,
		Text:      escapeControl(text),
		Values:    values,
		Matchable: matchable,
	}
}

// canonicalize collapses whitespace and uppercases reserved words.
func (n *Normalizer) canonicalize(raw string) string {
	fields := strings.Fields(raw)
	for i, f := range fields {
		if n.reserved.Contains(f) {
			fields[i] = strings.ToUpper(f)
		}
	}
	return strings.Join(fields, " ")
}

// Classify assigns a query type by prefix.
func Classify(text string) model.QueryType {
	for _, p := range prefixes {
		if strings.HasPrefix(text, p.prefix) {
			return p.qt
		}
	}
	return model.QueryOther
}

func collapseNumlists(text string) string {
	return numlistPattern.ReplaceAllStringFunc(text, func(m string) string {
		return fmt.Sprintf("<numlist:%d>", strings.Count(m, ",")+1)
	})
}

func extractConstants(text string) (string, []string) {
	matches := constantPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	var values []string
	last := 0
	for _, m := range matches {
		start, end := m[2], m[3]
		// "x = 5abc" is an identifier, not a literal.
		if end < len(text) && isIdentByte(text[end]) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(placeholder)
		values = append(values, text[start:end])
		last = end
	}
	b.WriteString(text[last:])
	return b.String(), values
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}

func truncateInsert(text string) string {
	m := insertTablePattern.FindStringSubmatch(text)
	if m == nil {
		return "INSERT INTO " + valuesPlaceholder
	}
	return "INSERT INTO " + m[1] + " " + valuesPlaceholder
}

// escapeControl rewrites control characters as visible escape sequences
// so the text always fits on one line.
func escapeControl(text string) string {
	if !strings.ContainsFunc(text, isControl) {
		return text
	}
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case isControl(r):
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// Fingerprint returns a stable identifier for normalized query text.
func Fingerprint(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
