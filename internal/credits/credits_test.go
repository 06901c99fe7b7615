package credits

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "<!DOCTYPE html>"))

	doc, err := html.Parse(&buf)
	require.NoError(t, err)

	var sections, items int
	var titles []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "section":
				sections++
			case "h2":
				titles = append(titles, n.FirstChild.Data)
			case "li":
				items++
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	assert.Equal(t, 6, sections)
	assert.Equal(t, []string{
		"Security and Cryptography",
		"Networking and Communication",
		"Compression",
		"User Interface",
		"Utilities and Support",
		"Anonymity and Privacy",
	}, titles)

	total := 0
	for _, c := range Categories() {
		assert.NotEmpty(t, c.Libraries, c.Title)
		total += len(c.Libraries)
	}
	assert.Equal(t, total, items)
}
