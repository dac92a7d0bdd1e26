// Package gate implements the two boundary crossings of the pipeline: the
// AbstractionGate from clinical output to client input, and the IsolationGate
// from each partner's clinical output into a shared merge context.
//
// The output types of this package can only be constructed here, so a
// synthesis stage that accepts them cannot be reached without a gate call.
package gate

import (
	"slices"

	"github.com/jonathan/therapy-pipeline/internal/types"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

// extraction is the result of mapping one clinical output onto the whitelist
type extraction struct {
	tokens   []string
	rejected int
}

// extractor holds the state of exactly one extraction. A new extractor is
// built for every clinical output; none is ever reused or shared.
type extractor struct {
	vocab *vocabulary.Vocabulary
	seen  map[string]struct{}
	out   extraction
}

func newExtractor(vocab *vocabulary.Vocabulary) *extractor {
	return &extractor{vocab: vocab, seen: make(map[string]struct{})}
}

// run reads only the structured category labels of out. Summary, evidence,
// quotes, risk scores and risk flags are never read.
func (x *extractor) run(out types.ClinicalOutput) extraction {
	for _, label := range out.Labels {
		tok, ok := x.vocab.Lookup(label)
		if !ok {
			x.out.rejected++
			continue
		}
		if _, dup := x.seen[tok]; dup {
			continue
		}
		x.seen[tok] = struct{}{}
		x.out.tokens = append(x.out.tokens, tok)
	}
	slices.Sort(x.out.tokens)
	return x.out
}

// extract runs a single-use extractor over one clinical output
func extract(vocab *vocabulary.Vocabulary, out types.ClinicalOutput) extraction {
	return newExtractor(vocab).run(out)
}

// closed reports whether every token is a whitelist member
func closed(vocab *vocabulary.Vocabulary, tokens []string) bool {
	for _, tok := range tokens {
		if !vocab.Contains(tok) {
			return false
		}
	}
	return true
}
