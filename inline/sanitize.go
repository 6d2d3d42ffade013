package inline

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// cssURL matches url(...) with optional quotes.
var cssURL = regexp.MustCompile(`url\(\s*(['"]?)([^'")]*?)(['"]?)\s*\)`)

// AbsolutizeCSS rewrites relative url(...) references in css against the
// stylesheet's own URL, so an inlined sheet keeps pointing at the right
// fonts and backgrounds. Data URIs and fragment references are untouched.
func AbsolutizeCSS(css, sheetURL string) string {
	base, err := url.Parse(sheetURL)
	if err != nil {
		return css
	}
	return rewriteCSSURLs(css, func(ref string) (string, bool) {
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		return base.ResolveReference(u).String(), true
	})
}

// rewriteCSSURLs calls fn for every url(...) target in css that points at
// another resource and substitutes what it returns. Quoting is kept.
// Targets fn declines are left byte for byte.
func rewriteCSSURLs(css string, fn func(ref string) (string, bool)) string {
	return cssURL.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssURL.FindStringSubmatch(m)
		open, ref, closing := sub[1], strings.TrimSpace(sub[2]), sub[3]
		if open != closing || ref == "" || isDataURI(ref) || strings.HasPrefix(ref, "#") {
			return m
		}
		repl, ok := fn(ref)
		if !ok {
			return m
		}
		return "url(" + open + repl + closing + ")"
	})
}

// cssRefs lists the distinct url(...) targets of css in order of first
// appearance, skipping data URIs and fragments.
func cssRefs(css string) []string {
	var refs []string
	seen := make(map[string]bool)
	rewriteCSSURLs(css, func(ref string) (string, bool) {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
		return "", false
	})
	return refs
}

// dataPayload matches a base64 data URI running up to a closing quote or
// parenthesis. The serializer may escape a carriage return as &#13;.
var dataPayload = regexp.MustCompile(`(data:[A-Za-z0-9.+/-]+(?:;[A-Za-z0-9=.+-]+)*;base64,)((?:[A-Za-z0-9+/=\s]|&#13;)+?)(["')])`)

var whitespace = regexp.MustCompile(`\s+|&#13;`)

// Sanitize removes whitespace from inside base64 data URI payloads in
// serialized HTML. A payload is only rewritten when the result is valid
// base64 length, so descriptors such as "1x" in srcset survive.
func Sanitize(page string) string {
	return dataPayload.ReplaceAllStringFunc(page, func(m string) string {
		sub := dataPayload.FindStringSubmatch(m)
		prefix, body, end := sub[1], sub[2], sub[3]
		compact := whitespace.ReplaceAllString(body, "")
		if compact == body || len(compact)%4 != 0 {
			return m
		}
		return prefix + compact + end
	})
}

// Render serializes the whole document, doctype included.
func Render(doc *goquery.Document) (string, error) {
	var buf bytes.Buffer
	for _, n := range doc.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
