// Package vocabulary provides the closed, versioned whitelist of category tokens
// that may cross an abstraction or isolation boundary.
package vocabulary

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind groups tokens by what they describe
type Kind string

const (
	KindFramework Kind = "framework"
	KindPattern   Kind = "pattern"
	KindTheme     Kind = "theme"
	KindModality  Kind = "modality"
)

func (k Kind) valid() bool {
	switch k {
	case KindFramework, KindPattern, KindTheme, KindModality:
		return true
	default:
		return false
	}
}

// tokenPattern is the atomic token grammar: category:value, lowercase, no spaces.
var tokenPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*:[a-z][a-z0-9_-]*$`)

// IsAtomic reports whether s has the shape of a whitelist token
func IsAtomic(s string) bool {
	return len(s) <= 64 && tokenPattern.MatchString(s)
}

// Category returns the part of a token before the colon
func Category(token string) string {
	category, _, _ := strings.Cut(token, ":")
	return category
}

// Group is one kind's tokens as declared in the vocabulary file
type Group struct {
	Kind   Kind     `yaml:"kind"`
	Tokens []string `yaml:"tokens"`
}

// File is the on-disk vocabulary document
type File struct {
	Version string  `yaml:"version"`
	Groups  []Group `yaml:"groups"`
}

// Vocabulary is immutable once constructed; pipeline code only reads it.
type Vocabulary struct {
	version string
	order   []string
	kinds   map[string]Kind
}

// Error reports a malformed vocabulary definition
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vocabulary error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("vocabulary error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a vocabulary, rejecting unknown kinds, non-atomic tokens and duplicates
func New(version string, groups []Group) (*Vocabulary, error) {
	if strings.TrimSpace(version) == "" {
		return nil, &Error{Message: "version is required"}
	}
	v := &Vocabulary{
		version: version,
		kinds:   make(map[string]Kind),
	}
	for _, g := range groups {
		if !g.Kind.valid() {
			return nil, &Error{Message: fmt.Sprintf("unknown kind %q", g.Kind)}
		}
		for _, tok := range g.Tokens {
			if !IsAtomic(tok) {
				return nil, &Error{Message: fmt.Sprintf("token %q is not atomic", tok)}
			}
			if _, dup := v.kinds[tok]; dup {
				return nil, &Error{Message: fmt.Sprintf("duplicate token %q", tok)}
			}
			v.kinds[tok] = g.Kind
			v.order = append(v.order, tok)
		}
	}
	if len(v.order) == 0 {
		return nil, &Error{Message: "vocabulary has no tokens"}
	}
	return v, nil
}

// Parse decodes a YAML vocabulary document
func Parse(data []byte) (*Vocabulary, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &Error{Message: "failed to parse vocabulary YAML", Cause: err}
	}
	return New(f.Version, f.Groups)
}

// Load reads a YAML vocabulary file
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to read vocabulary file %s", path), Cause: err}
	}
	return Parse(data)
}

//go:embed default_vocabulary.yaml
var defaultVocabulary []byte

// Default returns the built-in vocabulary
func Default() *Vocabulary {
	v, err := Parse(defaultVocabulary)
	if err != nil {
		panic(fmt.Sprintf("vocabulary: embedded default is invalid: %v", err))
	}
	return v
}

// Version returns the vocabulary version string
func (v *Vocabulary) Version() string {
	return v.version
}

// Contains reports whether token is a member of the whitelist
func (v *Vocabulary) Contains(token string) bool {
	_, ok := v.kinds[token]
	return ok
}

// KindOf returns the kind of a member token
func (v *Vocabulary) KindOf(token string) (Kind, bool) {
	k, ok := v.kinds[token]
	return k, ok
}

// Lookup maps a candidate label onto a whitelist token. Only case and
// surrounding whitespace are normalized; anything else must match exactly.
func (v *Vocabulary) Lookup(label string) (string, bool) {
	candidate := strings.ToLower(strings.TrimSpace(label))
	if !IsAtomic(candidate) {
		return "", false
	}
	if _, ok := v.kinds[candidate]; !ok {
		return "", false
	}
	return candidate, true
}

// Tokens returns all tokens in declaration order
func (v *Vocabulary) Tokens() []string {
	return slices.Clone(v.order)
}

// TokensOfKind returns the tokens of one kind in declaration order
func (v *Vocabulary) TokensOfKind(kind Kind) []string {
	var out []string
	for _, tok := range v.order {
		if v.kinds[tok] == kind {
			out = append(out, tok)
		}
	}
	return out
}

// Len returns the number of tokens
func (v *Vocabulary) Len() int {
	return len(v.order)
}
