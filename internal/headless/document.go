package headless

import (
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var htmlEmpty = html.Node{Type: html.DocumentNode}

// document is a fetched page reduced to what the content actions need.
type document struct {
	url   string
	title string
	root  *html.Node
	text  string
}

func parseDocument(url string, r io.Reader) (*document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	doc := &document{url: url, root: root}
	if t := findFirst(root, func(n *html.Node) bool { return n.DataAtom == atom.Title }); t != nil {
		doc.title = collapseSpace(textOf(t))
	}
	body := findFirst(root, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	if body == nil {
		body = root
	}
	doc.text = renderText(body)
	return doc, nil
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
	atom.Svg:      true,
	atom.Iframe:   true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.Header: true, atom.Footer: true, atom.Nav: true, atom.Aside: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Table: true, atom.Tr: true,
	atom.Pre: true, atom.Blockquote: true, atom.Br: true, atom.Hr: true, atom.Form: true,
	atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Figure: true, atom.Figcaption: true,
}

// renderText flattens n into readable lines: one line per block element,
// whitespace collapsed, blank lines dropped.
func renderText(n *html.Node) string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := collapseSpace(cur.String()); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Img {
				if alt := strings.TrimSpace(attr(n, "alt")); alt != "" {
					cur.WriteString(" [image: " + alt + "] ")
				}
				return
			}
			if n.DataAtom == atom.Td || n.DataAtom == atom.Th {
				cur.WriteString(" ")
			}
		}
		block := n.Type == html.ElementNode && blocks[n.DataAtom]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(n)
	flush()
	return strings.Join(lines, "\n")
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, match func(*html.Node) bool, out []*html.Node) []*html.Node {
	if n.Type == html.ElementNode && match(n) {
		// Nested matches are already covered by the outer element's text.
		return append(out, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, findAll(c, match, nil)...)
	}
	return out
}

// selectText returns the text of every element matching selector. Supported
// selectors are a tag name, "#id", ".class" and "tag.class".
func (d *document) selectText(selector string) (string, bool) {
	match, ok := compileSelector(selector)
	if !ok {
		return "", false
	}
	nodes := findAll(d.root, match, nil)
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if t := renderText(n); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), true
}

func compileSelector(selector string) (func(*html.Node) bool, bool) {
	selector = strings.TrimSpace(selector)
	if selector == "" || strings.ContainsAny(selector, " >+~[]:*,") {
		return nil, false
	}
	if id, ok := strings.CutPrefix(selector, "#"); ok {
		return func(n *html.Node) bool { return attr(n, "id") == id }, id != ""
	}
	tag, class, _ := strings.Cut(selector, ".")
	tag = strings.ToLower(tag)
	if tag == "" && class == "" {
		return nil, false
	}
	return func(n *html.Node) bool {
		if tag != "" && n.Data != tag {
			return false
		}
		if class == "" {
			return true
		}
		for _, c := range strings.Fields(attr(n, "class")) {
			if c == class {
				return true
			}
		}
		return false
	}, true
}

// paginate splits text into pages of at most size runes, breaking at line
// boundaries when a line fits. An empty text is one empty page.
func paginate(text string, size int) []string {
	if size <= 0 {
		size = DefaultPageSize
	}
	if text == "" {
		return []string{""}
	}
	var pages []string
	var cur strings.Builder
	curLen := 0
	push := func() {
		if curLen > 0 {
			pages = append(pages, strings.TrimRight(cur.String(), "\n"))
		}
		cur.Reset()
		curLen = 0
	}
	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line) + 1
		if curLen > 0 && curLen+n > size {
			push()
		}
		for utf8.RuneCountInString(line) > size {
			runes := []rune(line)
			cur.WriteString(string(runes[:size]))
			curLen = size
			push()
			line = string(runes[size:])
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		curLen += utf8.RuneCountInString(line) + 1
	}
	push()
	if len(pages) == 0 {
		return []string{""}
	}
	return pages
}

// findLines returns the lines of text containing query, case-insensitively.
func findLines(text, query string, limit int) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			out = append(out, line)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
