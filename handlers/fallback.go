package handlers

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords are skipped by Keywords.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		about above after again against also among because been before being
		below between both could does doing down during each from further have
		having here into itself just more most much must only other over same
		should some such than that their theirs them then there these they this
		those through under until very were what when where which while whom
		will with would your yours dari yang untuk dengan adalah pada dalam
		akan juga atau karena oleh sudah tidak ini itu`) {
		stopwords[w] = struct{}{}
	}
}

// Keywords extracts up to n tags from text by term frequency. Words
// shorter than four letters and stopwords are ignored; ties sort
// alphabetically so the result is deterministic.
func Keywords(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 4 {
			continue
		}
		if _, skip := stopwords[w]; skip {
			continue
		}
		counts[w]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}
