package memory

import "strings"

// TextSimilarity scores textual similarity as Jaccard overlap of lower-cased
// whitespace tokens, in [0, 1]. It is the ranking signal shared by episodic
// backends and the fallback for the ranker when no embedder is configured.
func TextSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}
