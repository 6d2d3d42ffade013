package harvest

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// RefAttr is the attribute a Page implementation may use to address live
// entries. It is meaningless in a snapshot and stripped by Cleanup.
const RefAttr = "data-snap-ref"

// Cleanup prepares a serialized, fully frozen page for offline viewing:
// hyperlinks become absolute and open in a new browsing context, scripts
// and leftover consent elements are dropped and the body style lock is
// cleared. doc is a detached copy; the live page is not touched.
func Cleanup(doc *goquery.Document, base *url.URL, consentPrefix string) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := absoluteLink(base, href); ok {
			s.SetAttr("href", abs)
		}
		s.SetAttr("target", "_blank")
		s.SetAttr("rel", "noopener")
	})

	doc.Find("script, noscript").Remove()

	if consentPrefix != "" {
		if sel, err := ConsentSelector(consentPrefix); err == nil {
			doc.FindMatcher(sel).Remove()
		}
	}

	doc.Find("body").RemoveAttr("style")
	doc.Find("[" + RefAttr + "]").RemoveAttr(RefAttr)
}

// ConsentSelector compiles the selector for elements whose class attribute
// begins with prefix.
func ConsentSelector(prefix string) (cascadia.Selector, error) {
	return cascadia.Compile(`[class^="` + strings.ReplaceAll(prefix, `"`, `\"`) + `"]`)
}

// absoluteLink resolves href against base. Fragment-only and javascript:
// links are left alone.
func absoluteLink(base *url.URL, href string) (string, bool) {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "javascript:") {
		return "", false
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return u.String(), true
}
