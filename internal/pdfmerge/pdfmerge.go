// Package pdfmerge assembles the final PDF deliverable: merging per-page
// buffers in input order and embedding the diagram XML, either as a file
// attachment (merged documents) or in the document subject (single
// documents, where attachments are known to corrupt internal links).
package pdfmerge

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"drawio-export/internal/infra/logging"
)

// attachFile is a seam so tests can force the embedding step to fail.
var attachFile = func(outFile, xmlFile string, conf *model.Configuration) error {
	return api.AddAttachmentsFile(outFile, "", []string{xmlFile}, false, conf)
}

// Merge copies every page from every input buffer, in input order, into one
// document. A non-empty xml is embedded as a base64 diagram.xml attachment.
// A single buffer with no xml passes through untouched. If embedding makes
// the merge fail, the merge is retried once without the xml; a second
// failure is fatal.
func Merge(parts [][]byte, xml string) ([]byte, error) {
	if len(parts) == 1 && xml == "" {
		return parts[0], nil
	}

	out, err := merge(parts, xml)
	if err != nil && xml != "" {
		// Sometimes embedding the xml causes errors, so try again without it.
		logging.Warn("PDF merge with embedded XML failed, retrying without", "error", err.Error())
		out, err = merge(parts, "")
	}
	if err != nil {
		return nil, fmt.Errorf("error during PDF combination: %w", err)
	}
	return out, nil
}

func merge(parts [][]byte, xml string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "pdfmerge-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	inFiles := make([]string, 0, len(parts))
	for i, part := range parts {
		p := filepath.Join(dir, "part-"+strconv.Itoa(i)+".pdf")
		if err := os.WriteFile(p, part, 0o600); err != nil {
			return nil, err
		}
		inFiles = append(inFiles, p)
	}

	outFile := filepath.Join(dir, "merged.pdf")
	conf := configuration()
	if err := api.MergeCreateFile(inFiles, outFile, false, conf); err != nil {
		return nil, err
	}

	if xml != "" {
		xmlFile := filepath.Join(dir, "diagram.xml")
		encoded := base64.StdEncoding.EncodeToString([]byte(xml))
		if err := os.WriteFile(xmlFile, []byte(encoded), 0o600); err != nil {
			return nil, err
		}
		if err := attachFile(outFile, xmlFile, conf); err != nil {
			return nil, err
		}
	}

	if err := api.AddPropertiesFile(outFile, "", map[string]string{"Creator": "draw.io"}, conf); err != nil {
		return nil, err
	}

	return os.ReadFile(outFile)
}

// EmbedSubject stores a backslash-escaped, URL-encoded copy of the xml in
// the document subject.
func EmbedSubject(pdf []byte, xml string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "pdfsubject-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	p := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(p, pdf, 0o600); err != nil {
		return nil, err
	}
	props := map[string]string{
		"Creator": "draw.io",
		"Subject": escapeSubject(xml),
	}
	if err := api.AddPropertiesFile(p, "", props, configuration()); err != nil {
		return nil, fmt.Errorf("embed subject: %w", err)
	}
	return os.ReadFile(p)
}

func configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// componentEscaper matches encodeURIComponent: percent-encode everything
// except the unreserved set and ! ~ * ' ( ).
var componentEscaper = strings.NewReplacer(
	"+", "%20", "%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*", "%7E", "~",
)

// escapeSubject URL-encodes the xml and escapes parentheses, which
// delimit literal strings in PDF syntax.
func escapeSubject(xml string) string {
	s := componentEscaper.Replace(url.QueryEscape(xml))
	s = strings.ReplaceAll(s, "(", `\(`)
	return strings.ReplaceAll(s, ")", `\)`)
}
