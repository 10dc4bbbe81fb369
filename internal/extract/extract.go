// Package extract normalizes the several wire encodings of a diagram into a
// plain XML string: deflate+base64 payloads, URL-encoded strings, and
// diagrams embedded in exported HTML or SVG documents.
package extract

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"drawio-export/internal/domain"
)

// ErrExtraction marks a malformed compressed payload. Unlike the HTML/SVG
// unwrap steps this is fatal for the request.
var ErrExtraction = errors.New("extraction failed")

const (
	htmlMarker   = "<!DOCTYPE html>"
	htmlIEMarker = "<!--[if IE]><meta http-equiv"
	svgPreamble  = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
		"<!DOCTYPE svg PUBLIC \"-//W3C//DTD SVG 1.1//EN\" \"http://www.w3.org/Graphics/SVG/1.1/DTD/svg11.dtd\">"
)

// FromRequest resolves the diagram XML from the request fields. It returns
// an empty string when no field yielded anything usable; only a malformed
// compressed payload is an error.
func FromRequest(req *domain.ExportRequest) (string, error) {
	var xmlStr string

	if req.XMLData != "" {
		decoded, err := inflateBase64(req.XMLData, true)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrExtraction, err)
		}
		xmlStr = decoded
	} else {
		xmlStr = req.XML
	}

	if strings.HasPrefix(xmlStr, "%3C") {
		if s, err := url.PathUnescape(xmlStr); err == nil {
			xmlStr = s
		}
	}

	// Extracts the compressed XML from the DIV in an exported HTML document.
	if strings.HasPrefix(xmlStr, htmlMarker) || strings.HasPrefix(xmlStr, htmlIEMarker) {
		if s, ok := fromHTML(xmlStr); ok {
			xmlStr = s
		}
	}

	// Extracts the URL encoded XML from the content attribute of an SVG node.
	if strings.HasPrefix(xmlStr, svgPreamble) {
		if s, ok := fromSVG(xmlStr); ok {
			xmlStr = s
		}
	}

	return xmlStr, nil
}

// inflateBase64 reverses the editor's compressed encoding: URL decode (when
// urlEncoded), base64 decode, then raw-deflate decompress.
func inflateBase64(s string, urlEncoded bool) (string, error) {
	if urlEncoded {
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return "", err
		}
		s = decoded
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// fromHTML digs the diagram out of the first mxgraph div. Any failure keeps
// the caller's string unchanged.
func fromHTML(doc string) (string, bool) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", false
	}

	div := findElement(root, "div")
	if div == nil || attrValue(div, "class") != "mxgraph" {
		return "", false
	}

	if jsonStr, ok := attr(div, "data-mxgraph"); ok {
		var obj struct {
			XML string `json:"xml"`
		}
		if err := json.Unmarshal([]byte(jsonStr), &obj); err != nil {
			return "", false
		}
		return obj.XML, true
	}

	inner := findChildElement(div, "div")
	if inner == nil {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(textContent(inner))
	if err != nil {
		return "", false
	}
	inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	if err != nil || len(inflated) == 0 {
		return "", false
	}
	decoded, err := url.PathUnescape(string(inflated))
	if err != nil {
		return "", false
	}
	return decoded, true
}

// fromSVG reads the content attribute off the root svg element.
func fromSVG(doc string) (string, bool) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "svg" {
			return "", false
		}
		for _, a := range start.Attr {
			if a.Name.Local == "content" {
				content := a.Value
				if strings.HasPrefix(content, "%") {
					if s, err := url.PathUnescape(content); err == nil {
						content = s
					}
				}
				return content, true
			}
		}
		return "", false
	}
}

// findElement walks the tree depth-first for the first element with the tag.
func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// findChildElement is findElement restricted to descendants of n.
func findChildElement(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func attrValue(n *html.Node, name string) string {
	v, _ := attr(n, name)
	return v
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
