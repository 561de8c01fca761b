package news

import (
	"sort"
	"strings"
	"unicode"
)

var positiveWords = wordSet(
	"gain", "gains", "rise", "rises", "rising", "rally", "rallies", "surge", "surges", "strong",
	"stronger", "strength", "bullish", "growth", "beat", "beats", "upbeat", "optimism", "optimistic",
	"recover", "recovery", "higher", "boost", "hawkish", "soar", "soars", "jump", "jumps", "advance",
	"improve", "improves", "robust", "firm", "firmer",
)

var negativeWords = wordSet(
	"fall", "falls", "falling", "drop", "drops", "decline", "declines", "slump", "weak", "weaker",
	"weakness", "bearish", "loss", "losses", "miss", "misses", "fear", "fears", "lower", "plunge",
	"plunges", "tumble", "tumbles", "recession", "crisis", "slowdown", "dovish", "cut", "cuts",
	"concern", "concerns", "selloff", "sell-off", "slide", "slides", "pessimism",
)

// Phrases that tend to move rates; each hit adds 0.1 to the volatility score.
var volatilityKeywords = []string{
	"fed", "ecb", "boe", "boj", "rba", "boc", "nzd", "interest rate", "inflation", "gdp",
	"employment", "trade war", "brexit", "election", "crisis", "recession",
}

var currencyTerms = map[string]string{
	"eur": "EUR", "euro": "EUR", "eurozone": "EUR", "ecb": "EUR", "lagarde": "EUR",
	"usd": "USD", "dollar": "USD", "greenback": "USD", "fed": "USD", "fomc": "USD", "powell": "USD",
	"gbp": "GBP", "pound": "GBP", "sterling": "GBP", "boe": "GBP", "cable": "GBP",
	"jpy": "JPY", "yen": "JPY", "boj": "JPY",
	"chf": "CHF", "franc": "CHF", "snb": "CHF", "swiss": "CHF",
	"aud": "AUD", "aussie": "AUD", "rba": "AUD", "australian": "AUD",
	"cad": "CAD", "loonie": "CAD", "boc": "CAD", "canadian": "CAD",
	"nzd": "NZD", "kiwi": "NZD", "rbnz": "NZD",
}

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
}

// Score rates text in [-1, 1] by the balance of positive and negative words.
func Score(text string) float64 {
	var pos, neg float64
	for _, t := range tokens(text) {
		if _, ok := positiveWords[t]; ok {
			pos++
		}
		if _, ok := negativeWords[t]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return (pos - neg) / (pos + neg)
}

// Volatility is 0.1 per volatility keyword present, capped at 1.
func Volatility(text string) float64 {
	lower := strings.ToLower(text)
	v := 0.0
	for _, k := range volatilityKeywords {
		if strings.Contains(lower, k) {
			v += 0.1
		}
	}
	if v > 1 {
		return 1
	}
	return v
}

// Currencies lists the ISO codes a text talks about, sorted.
func Currencies(text string) []string {
	found := map[string]struct{}{}
	for _, t := range tokens(text) {
		if c, ok := currencyTerms[t]; ok {
			found[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(found))
	for c := range found {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
