package portal

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// accountCard is a card listed on the portal account page.
type accountCard struct {
	Serial   string
	Nickname string
}

// page holds what the fetcher needs from a portal HTML page.
type page struct {
	CSRF          string
	PasswordField bool
	Cards         []accountCard
}

func parsePage(r io.Reader) (*page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	p := &page{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input":
				name := attr(n, "name")
				if name == "_csrf" && p.CSRF == "" {
					p.CSRF = attr(n, "value")
				}
				if name == "password" || strings.EqualFold(attr(n, "type"), "password") {
					p.PasswordField = true
				}
			case "span":
				if hasClass(n, "d-inline-block") {
					if c, ok := parseCardLabel(textOf(n)); ok {
						p.Cards = append(p.Cards, c)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return p, nil
}

// parseCardLabel splits "1202345678 - Commute card".
func parseCardLabel(text string) (accountCard, bool) {
	parts := strings.SplitN(strings.TrimSpace(text), " - ", 2)
	if len(parts) != 2 || parts[0] == "" {
		return accountCard{}, false
	}
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			return accountCard{}, false
		}
	}
	return accountCard{Serial: parts[0], Nickname: strings.TrimSpace(parts[1])}, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
