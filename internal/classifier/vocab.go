package classifier

import "strings"

// Vocabulary buckets used by the dimension scorers. Matching is per lowercase
// word after trimming punctuation.

var complexWords = wordSet(
	"design", "architecture", "algorithm", "optimize", "tradeoff", "tradeoffs",
	"concurrent", "distributed", "invariant", "protocol", "refactor", "prove",
	"analyze", "synthesize", "integrate", "strategy", "model", "plan",
	"consistency", "scalability", "recursive", "lock-free", "asynchronous",
)

var simpleWords = wordSet(
	"list", "show", "print", "echo", "repeat", "copy", "rename", "status",
	"yes", "no", "ok", "done", "ping", "hello", "count", "fetch",
)

var creativeWords = wordSet(
	"imagine", "invent", "brainstorm", "novel", "metaphor", "analogy",
	"story", "dream", "wonder", "explore", "combine", "remix", "what-if",
	"possibility", "creative", "originate", "compose",
)

var generativeWords = wordSet(
	"design", "architecture", "architect", "create", "build", "devise",
	"invent", "compose", "synthesize", "propose",
)

var deterministicWords = wordSet(
	"compute", "sum", "sort", "parse", "format", "convert", "lookup",
	"checksum", "validate", "exact", "literal", "verbatim",
)

var hedgeWords = wordSet(
	"maybe", "perhaps", "possibly", "might", "could", "unsure", "unclear",
	"probably", "roughly", "approximately", "seems", "guess", "likely",
	"uncertain", "somehow",
)

var vagueWords = wordSet(
	"something", "somewhere", "stuff", "things", "whatever", "someone",
	"somehow", "etc", "various", "several",
)

var highStakesWords = wordSet(
	"delete", "destroy", "irreversible", "production", "security", "money",
	"payment", "credentials", "privacy", "safety", "critical", "permanent",
	"shutdown", "corrupt", "loss",
)

var lowStakesWords = wordSet(
	"draft", "sketch", "sandbox", "scratch", "temporary", "trivial",
	"cosmetic", "experiment", "toy",
)

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// tokenize lowercases and splits content into words, trimming punctuation.
func tokenize(content string) []string {
	fields := strings.Fields(strings.ToLower(content))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(f, ".,;:!?\"'()[]{}")
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// countIn returns how many tokens fall in the given bucket.
func countIn(tokens []string, bucket map[string]struct{}) int {
	n := 0
	for _, t := range tokens {
		if _, ok := bucket[t]; ok {
			n++
		}
	}
	return n
}

// wordBag returns the set of distinct tokens.
func wordBag(tokens []string) map[string]struct{} {
	bag := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		bag[t] = struct{}{}
	}
	return bag
}

// jaccard computes set overlap of two word bags in [0,1].
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
