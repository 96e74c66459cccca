package querynorm

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed keywords.txt
var defaultKeywords []byte

// ReservedWords is the set of SQL keywords that get uppercased during
// normalization. Entries are stored uppercase.
type ReservedWords map[string]struct{}

// Contains reports whether word (in any case) is reserved.
func (r ReservedWords) Contains(word string) bool {
	_, ok := r[strings.ToUpper(word)]
	return ok
}

// DefaultReservedWords returns the embedded MySQL keyword list.
func DefaultReservedWords() ReservedWords {
	words, err := ReadReservedWords(bytes.NewReader(defaultKeywords))
	if err != nil {
		panic(fmt.Sprintf("querynorm: embedded keyword list: %v", err))
	}
	return words
}

// LoadReservedWords reads a keyword file with one word per line.
func LoadReservedWords(path string) (ReservedWords, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("querynorm: open reserved words: %w", err)
	}
	defer f.Close()
	return ReadReservedWords(f)
}

// ReadReservedWords parses one word per line. Surrounding whitespace is
// stripped and blank lines are ignored.
func ReadReservedWords(r io.Reader) (ReservedWords, error) {
	words := make(ReservedWords)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w := strings.TrimSpace(scanner.Text())
		if w == "" {
			continue
		}
		words[strings.ToUpper(w)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("querynorm: read reserved words: %w", err)
	}
	return words, nil
}
