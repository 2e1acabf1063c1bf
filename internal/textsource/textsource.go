// Package textsource reads the title and body a job narrates, from a stored
// record, a local file, or a web page.
package textsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/net/html"
)

// ErrEmpty is returned when a source has no title.
var ErrEmpty = errors.New("text source has no title")

// maxPageBytes caps how much of a fetched page is parsed.
const maxPageBytes = 4 << 20

// Text is the narrated content of one job.
type Text struct {
	Title string
	Body  string
	// RecordKey is set when the text came from a pooled record.
	RecordKey string
	// URL is set when the text was scraped from a web page.
	URL string
}

// WordCount returns the number of whitespace-separated words in the body.
func (t Text) WordCount() int {
	return WordCount(t.Body)
}

// WordCount returns the number of whitespace-separated words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Parse splits record content into title (first line) and body (the rest).
func Parse(content string) (Text, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	title, body, _ := strings.Cut(content, "\n")
	title = strings.TrimSpace(title)
	if title == "" {
		return Text{}, ErrEmpty
	}
	return Text{Title: title, Body: strings.TrimSpace(body)}, nil
}

// LoadFile reads a local file in record format.
func LoadFile(path string) (Text, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Text{}, fmt.Errorf("read %s: %w", path, err)
	}
	t, err := Parse(string(data))
	if err != nil {
		return Text{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// FetchURL downloads a classified ad page and extracts its title and body.
// Craigslist posting markup is preferred; other pages fall back to <title>
// and the concatenated paragraphs.
func FetchURL(ctx context.Context, client *http.Client, url string) (Text, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Text{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "poem-engine/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return Text{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Text{}, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	t, err := ParseHTML(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Text{}, fmt.Errorf("parse %s: %w", url, err)
	}
	t.URL = url
	return t, nil
}

// ParseHTML extracts title and body text from an HTML document.
func ParseHTML(r io.Reader) (Text, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Text{}, err
	}

	var title, body string
	if n := findByID(doc, "titletextonly"); n != nil {
		title = collapse(textOf(n))
	}
	if n := findByID(doc, "postingbody"); n != nil {
		body = collapse(textOf(n))
	}

	if title == "" {
		if n := findElement(doc, "title"); n != nil {
			title = collapse(textOf(n))
		}
	}
	if body == "" {
		var paras []string
		walk(doc, func(n *html.Node) bool {
			if n.Type == html.ElementNode && n.Data == "p" {
				if p := collapse(textOf(n)); p != "" {
					paras = append(paras, p)
				}
				return false
			}
			return true
		})
		body = strings.Join(paras, "\n")
	}

	if title == "" {
		return Text{}, ErrEmpty
	}
	return Text{Title: title, Body: body}, nil
}

// walk visits nodes depth-first; fn returns false to skip a node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findByID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

func findElement(root *html.Node, tag string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.Data == tag {
			found = n
			return false
		}
		return true
	})
	return found
}

// textOf concatenates the text under n, skipping scripts, styles and
// craigslist's print-only blocks.
func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode {
			switch c.Data {
			case "script", "style", "noscript":
				return false
			case "br", "p", "div", "li":
				b.WriteByte(' ')
			}
			if strings.Contains(attr(c, "class"), "print-") {
				return false
			}
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
