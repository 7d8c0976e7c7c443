package threeds

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ACS implementations disagree on casing, so every variant is accepted.
var (
	paResFieldNames = []string{"PaRes", "pares", "PARes"}
	mdFieldNames    = []string{"MD", "md"}
)

// FromValues extracts a result from query or form values.
func FromValues(values url.Values) (Result, bool) {
	r := Result{
		PaRes:         firstValue(values, paResFieldNames),
		TransactionID: firstValue(values, mdFieldNames),
	}
	return r, r.Valid()
}

// FromFormBody parses a raw application/x-www-form-urlencoded body.
func FromFormBody(body []byte) (Result, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Result{}, false
	}
	// ParseQuery keeps the pairs it could decode even when it reports an error.
	values, _ := url.ParseQuery(string(body))
	return FromValues(values)
}

// ScanForms looks through every <form> in an HTML document for inputs
// carrying PaRes and MD. The first form with a complete pair wins.
func ScanForms(document []byte) (Result, bool) {
	if len(bytes.TrimSpace(document)) == 0 {
		return Result{}, false
	}

	root, err := html.Parse(bytes.NewReader(document))
	if err != nil {
		return Result{}, false
	}

	var found Result
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "form" {
			values := url.Values{}
			collectInputs(n, values)
			if r, ok := FromValues(values); ok {
				found = r
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}

	if walk(root) {
		return found, true
	}
	return Result{}, false
}

func collectInputs(n *html.Node, values url.Values) {
	if n.Type == html.ElementNode && (n.Data == "input" || n.Data == "textarea") {
		name, value := attr(n, "name"), attr(n, "value")
		if n.Data == "textarea" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
			value = n.FirstChild.Data
		}
		if name != "" {
			values.Add(name, value)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectInputs(c, values)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstValue(values url.Values, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(values.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
