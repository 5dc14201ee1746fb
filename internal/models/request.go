// Package models defines API request and response types.
package models

import "strings"

// MaxWaitTimeout is the largest accepted wait_timeout, in seconds.
const MaxWaitTimeout = 120

// ProxyRequest asks for one URL to be fetched, escalating to a browser when
// the direct response matches a block element.
type ProxyRequest struct {
	URL               string   `json:"url,omitempty" doc:"Absolute http(s) URL to fetch"`
	BrowserOnElements []string `json:"browser_on_elements,omitempty" doc:"CSS selectors that mark a response as blocked"`
	IsBlockElement    []string `json:"is_block_element,omitempty" doc:"Alias of browser_on_elements"`
	WaitForElement    string   `json:"wait_for_element,omitempty" doc:"CSS selector whose presence means the challenge cleared"`
	WaitTimeout       float64  `json:"wait_timeout,omitempty" doc:"Seconds to wait for the browser, up to 120"`
	HTTPTimeout       float64  `json:"http_timeout,omitempty" doc:"Seconds allowed for the direct fetch"`
}

// BlockElements merges browser_on_elements and its alias, dropping blanks and
// duplicates while keeping first-seen order.
func (r *ProxyRequest) BlockElements() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{r.BrowserOnElements, r.IsBlockElement} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Normalize trims string fields in place.
func (r *ProxyRequest) Normalize() {
	r.URL = strings.TrimSpace(r.URL)
	r.WaitForElement = strings.TrimSpace(r.WaitForElement)
}

// FetchBody is the huma input for JSON requests.
type FetchBody struct {
	Body ProxyRequest
}

// FetchQuery is the huma input for GET requests. Arrays are repeated keys.
type FetchQuery struct {
	URL               string   `query:"url" doc:"Absolute http(s) URL to fetch"`
	BrowserOnElements []string `query:"browser_on_elements,explode" doc:"CSS selectors that mark a response as blocked"`
	IsBlockElement    []string `query:"is_block_element,explode" doc:"Alias of browser_on_elements"`
	WaitForElement    string   `query:"wait_for_element"`
	WaitTimeout       float64  `query:"wait_timeout"`
	HTTPTimeout       float64  `query:"http_timeout"`
}

// Request converts the query form into a ProxyRequest.
func (q *FetchQuery) Request() ProxyRequest {
	return ProxyRequest{
		URL:               q.URL,
		BrowserOnElements: q.BrowserOnElements,
		IsBlockElement:    q.IsBlockElement,
		WaitForElement:    q.WaitForElement,
		WaitTimeout:       q.WaitTimeout,
		HTTPTimeout:       q.HTTPTimeout,
	}
}
