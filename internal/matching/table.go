package matching

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

// Relation classifies a cross-partner token pairing
type Relation string

const (
	Complementary     Relation = "complementary"
	PotentialConflict Relation = "potential_conflict"
)

// Rule is one unordered pairing in the compatibility table
type Rule struct {
	A        string   `yaml:"a"`
	B        string   `yaml:"b"`
	Relation Relation `yaml:"relation"`
}

type tableFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

type pairKey struct{ lo, hi string }

func keyOf(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{lo: x, hi: y}
}

// Table is the static compatibility data, immutable after loading
type Table struct {
	version string
	rules   map[pairKey]Relation
	source  []Rule
}

// TableError reports a malformed compatibility table
type TableError struct {
	Message string
	Cause   error
}

func (e *TableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("compatibility table error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("compatibility table error: %s", e.Message)
}

func (e *TableError) Unwrap() error {
	return e.Cause
}

// NewTable builds a table; both tokens of a rule must share a category
func NewTable(version string, rules []Rule) (*Table, error) {
	if strings.TrimSpace(version) == "" {
		return nil, &TableError{Message: "version is required"}
	}
	t := &Table{version: version, rules: make(map[pairKey]Relation, len(rules))}
	for i, r := range rules {
		if !vocabulary.IsAtomic(r.A) || !vocabulary.IsAtomic(r.B) {
			return nil, &TableError{Message: fmt.Sprintf("rule %d: tokens must be atomic", i)}
		}
		if vocabulary.Category(r.A) != vocabulary.Category(r.B) {
			return nil, &TableError{Message: fmt.Sprintf("rule %d: %s and %s are in different categories", i, r.A, r.B)}
		}
		switch r.Relation {
		case Complementary, PotentialConflict:
		default:
			return nil, &TableError{Message: fmt.Sprintf("rule %d: unknown relation %q", i, r.Relation)}
		}
		k := keyOf(r.A, r.B)
		if existing, dup := t.rules[k]; dup && existing != r.Relation {
			return nil, &TableError{Message: fmt.Sprintf("rule %d: %s/%s is both %s and %s", i, r.A, r.B, existing, r.Relation)}
		}
		t.rules[k] = r.Relation
		t.source = append(t.source, r)
	}
	return t, nil
}

// ParseTable decodes a YAML compatibility table
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &TableError{Message: "failed to parse compatibility YAML", Cause: err}
	}
	return NewTable(f.Version, f.Rules)
}

// LoadTable reads a YAML compatibility table from disk
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TableError{Message: fmt.Sprintf("failed to read compatibility file %s", path), Cause: err}
	}
	return ParseTable(data)
}

//go:embed default_compatibility.yaml
var defaultTable []byte

// DefaultTable returns the built-in table
func DefaultTable() *Table {
	t, err := ParseTable(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("matching: embedded table is invalid: %v", err))
	}
	return t
}

// Version returns the table version
func (t *Table) Version() string {
	return t.version
}

// Lookup returns the relation for an unordered token pair
func (t *Table) Lookup(x, y string) (Relation, bool) {
	if vocabulary.Category(x) != vocabulary.Category(y) {
		return "", false
	}
	r, ok := t.rules[keyOf(x, y)]
	return r, ok
}

// Rules returns the rules in file order
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.source))
	copy(out, t.source)
	return out
}

// CheckAgainst reports rules that reference tokens missing from vocab
func (t *Table) CheckAgainst(vocab *vocabulary.Vocabulary) error {
	var missing []string
	for _, r := range t.source {
		for _, tok := range []string{r.A, r.B} {
			if !vocab.Contains(tok) {
				missing = append(missing, tok)
			}
		}
	}
	if len(missing) > 0 {
		return &TableError{Message: fmt.Sprintf("tokens not in vocabulary %s: %s", vocab.Version(), strings.Join(missing, ", "))}
	}
	return nil
}
