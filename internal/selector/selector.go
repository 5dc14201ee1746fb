// Package selector decides whether an HTML document contains any of a set of
// CSS selectors. It is used to classify direct responses as block pages.
package selector

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// InvalidSelectorError reports a selector that does not parse.
type InvalidSelectorError struct {
	Selector string
	Err      error
}

func (e *InvalidSelectorError) Error() string {
	return fmt.Sprintf("invalid CSS selector %q: %v", e.Selector, e.Err)
}

func (e *InvalidSelectorError) Unwrap() error {
	return e.Err
}

// Set is a compiled, ordered group of selectors.
type Set struct {
	raw      []string
	matchers []cascadia.Selector
}

// Compile trims and compiles selectors. Blank entries are dropped; the first
// selector that fails to parse aborts compilation.
func Compile(selectors []string) (*Set, error) {
	s := &Set{}
	for _, raw := range selectors {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m, err := cascadia.Compile(raw)
		if err != nil {
			return nil, &InvalidSelectorError{Selector: raw, Err: err}
		}
		s.raw = append(s.raw, raw)
		s.matchers = append(s.matchers, m)
	}
	return s, nil
}

// Len returns the number of compiled selectors.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.matchers)
}

// FirstMatch returns the first selector, in order, that matches a node of html.
func (s *Set) FirstMatch(html string) (string, bool) {
	if s.Len() == 0 {
		return "", false
	}

	// net/html never rejects input; malformed markup is repaired the way a
	// browser would, so a read error is the only failure mode.
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	for i, m := range s.matchers {
		if doc.FindMatcher(m).Length() > 0 {
			return s.raw[i], true
		}
	}
	return "", false
}

// Matches reports whether any selector matches a node of html.
func (s *Set) Matches(html string) bool {
	_, ok := s.FirstMatch(html)
	return ok
}
