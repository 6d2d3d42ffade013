package simhash

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FingerprintEntries fingerprints the text of every element matching
// selector in doc. Words are shingled in pairs within each entry so the
// order of words matters but the order of entries only weakly does.
func FingerprintEntries(doc *goquery.Document, selector string) uint64 {
	var tokens []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		words := strings.Fields(strings.ToLower(s.Text()))
		tokens = append(tokens, shingles(words, 2)...)
	})
	return Fingerprint(tokens)
}

// shingles creates n-gram shingles from words. Fewer than n words yield
// the words themselves.
func shingles(words []string, n int) []string {
	if len(words) < n {
		return words
	}
	out := make([]string, 0, len(words)-n+1)
	for i := 0; i <= len(words)-n; i++ {
		out = append(out, strings.Join(words[i:i+n], "_"))
	}
	return out
}
