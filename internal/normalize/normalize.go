// Package normalize extracts the visible text a monitor watches from raw HTML.
package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// invisible subtrees never contribute to the watched text
const invisibleSelector = "script, style, noscript, template"

// Result is the normalized text and its UTF-8 size.
type Result struct {
	Text  string
	Bytes int
}

// Normalize parses html and returns the collapsed visible text of the whole body or of the
// first element matching selector in scoped mode.
func Normalize(html []byte, mode monitor.Mode, selector string) (Result, error) {
	var matcher goquery.Matcher
	if mode == monitor.ModeScopedSection {
		if strings.TrimSpace(selector) == "" {
			return Result{}, monitor.NewCheckError(monitor.CodeSelectorRequired,
				"A CSS selector is required for section monitors.", nil)
		}
		sel, err := cascadia.Compile(selector)
		if err != nil {
			return Result{}, monitor.NewCheckError(monitor.CodeSelectorInvalid,
				"The provided CSS selector is not valid.", err)
		}
		matcher = sel
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	var target *goquery.Selection
	if matcher != nil {
		target = doc.FindMatcher(matcher).First()
		if target.Length() == 0 {
			return Result{}, monitor.NewCheckError(monitor.CodeSelectorNotFound,
				"The provided CSS selector was not found on the page.", nil)
		}
	} else {
		target = doc.Find("body").First()
		if target.Length() == 0 {
			target = doc.Find("html").First()
		}
	}

	target.Find(invisibleSelector).Remove()
	text := CollapseWhitespace(target.Text())
	return Result{Text: text, Bytes: len(text)}, nil
}

// CollapseWhitespace replaces every whitespace run with one space and trims the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
