package gate

import (
	"encoding/json"
	"slices"
)

// TokenSet is a frozen, sorted set of whitelist tokens
type TokenSet struct {
	tokens []string
}

func freeze(tokens []string) TokenSet {
	t := slices.Clone(tokens)
	slices.Sort(t)
	return TokenSet{tokens: slices.Compact(t)}
}

// Tokens returns a copy of the sorted tokens
func (s TokenSet) Tokens() []string {
	return slices.Clone(s.tokens)
}

// Contains reports set membership
func (s TokenSet) Contains(token string) bool {
	_, found := slices.BinarySearch(s.tokens, token)
	return found
}

// Len returns the set size
func (s TokenSet) Len() int {
	return len(s.tokens)
}

// MarshalJSON encodes the set as a sorted array
func (s TokenSet) MarshalJSON() ([]byte, error) {
	if s.tokens == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.tokens)
}

// ClientInput is the only value the client-synthesis stage accepts
type ClientInput struct {
	tokens            TokenSet
	vocabularyVersion string
}

// Tokens returns the whitelist tokens that crossed the abstraction boundary
func (c ClientInput) Tokens() []string {
	return c.tokens.Tokens()
}

// Set returns the frozen token set
func (c ClientInput) Set() TokenSet {
	return c.tokens
}

// VocabularyVersion returns the version of the whitelist used for extraction
func (c ClientInput) VocabularyVersion() string {
	return c.vocabularyVersion
}

// Empty reports whether the value carries no tokens (never true for gate output)
func (c ClientInput) Empty() bool {
	return c.tokens.Len() == 0
}

// MarshalJSON encodes the client input for the client-facing prompt
func (c ClientInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Tokens            TokenSet `json:"tokens"`
		VocabularyVersion string   `json:"vocabulary_version"`
	}{c.tokens, c.vocabularyVersion})
}

// PairTokens holds the two partners' frozen token sets after isolation
type PairTokens struct {
	a                 TokenSet
	b                 TokenSet
	vocabularyVersion string
}

// A returns partner A's tokens
func (p PairTokens) A() TokenSet {
	return p.a
}

// B returns partner B's tokens
func (p PairTokens) B() TokenSet {
	return p.b
}

// VocabularyVersion returns the version of the whitelist used for extraction
func (p PairTokens) VocabularyVersion() string {
	return p.vocabularyVersion
}

// Empty reports whether the value was not produced by the isolation gate
func (p PairTokens) Empty() bool {
	return p.a.Len() == 0 || p.b.Len() == 0
}

// MarshalJSON encodes both sets for the merge prompt
func (p PairTokens) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		A                 TokenSet `json:"partner_a"`
		B                 TokenSet `json:"partner_b"`
		VocabularyVersion string   `json:"vocabulary_version"`
	}{p.a, p.b, p.vocabularyVersion})
}
