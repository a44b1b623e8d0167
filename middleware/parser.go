package middleware

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Parser is a functional middleware: it has no pipeline hooks and is
// reached by handlers through ctx.Middleware("parser").
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) Name() string { return "parser" }

func (p *Parser) Parse(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// Text returns the trimmed text of every node matching selector.
func (p *Parser) Text(doc *goquery.Document, selector string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, strings.TrimSpace(sel.Text()))
	})
	return out
}

// Attr returns the attr value of every matching node that carries it.
func (p *Parser) Attr(doc *goquery.Document, selector, attr string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if v, ok := sel.Attr(attr); ok {
			out = append(out, v)
		}
	})
	return out
}

// Links returns every href on the page.
func (p *Parser) Links(doc *goquery.Document) []string {
	return p.Attr(doc, "a", "href")
}
