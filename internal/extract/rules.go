package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// containerSelectors are tried in order when looking for the article body.
var containerSelectors = []string{
	"article",
	`[role="article"]`,
	`[role="main"]`,
	"main",
	".post-content",
	".article-content",
	".entry-content",
	".article-body",
	".story-body",
	".post",
	"#content",
	".content",
}

var excludedTags = map[string]struct{}{
	"nav":      {},
	"header":   {},
	"footer":   {},
	"aside":    {},
	"script":   {},
	"style":    {},
	"noscript": {},
	"form":     {},
	"iframe":   {},
}

var excludedRoles = map[string]struct{}{
	"navigation":    {},
	"banner":        {},
	"contentinfo":   {},
	"complementary": {},
}

// blockedSubstrings match anywhere inside a class or id.
var blockedSubstrings = []string{
	"nav", "menu", "sidebar", "advert", "sponsor", "promo", "cookie",
	"popup", "modal", "banner", "footer", "header", "comment", "share",
	"social", "related", "newsletter", "subscribe",
}

// blockedTokens are too short to match as substrings ("ad" is inside "read"
// and "heading"), so they must equal a whole class/id token.
var blockedTokens = map[string]struct{}{
	"ad":  {},
	"ads": {},
}

// isExcluded reports whether an element is page chrome rather than content.
func isExcluded(s *goquery.Selection) bool {
	if _, ok := excludedTags[goquery.NodeName(s)]; ok {
		return true
	}
	if role, ok := s.Attr("role"); ok {
		if _, blocked := excludedRoles[strings.ToLower(strings.TrimSpace(role))]; blocked {
			return true
		}
	}
	class, _ := s.Attr("class")
	id, _ := s.Attr("id")
	return hasBlockedName(class + " " + id)
}

func hasBlockedName(names string) bool {
	names = strings.ToLower(names)
	if strings.TrimSpace(names) == "" {
		return false
	}
	for _, sub := range blockedSubstrings {
		if strings.Contains(names, sub) {
			return true
		}
	}
	tokens := strings.FieldsFunc(names, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t' || r == '\n'
	})
	for _, tok := range tokens {
		if _, ok := blockedTokens[tok]; ok {
			return true
		}
	}
	return false
}

// excludedDescendants returns every descendant of s that is page chrome.
func excludedDescendants(s *goquery.Selection) *goquery.Selection {
	return s.Find("*").FilterFunction(func(_ int, el *goquery.Selection) bool {
		return isExcluded(el)
	})
}
