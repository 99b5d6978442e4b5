// Package parser turns fetched mail into forwardable text and finds
// verification codes in it.
package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/pkg/models"
)

var (
	spaceRegex   = regexp.MustCompile(`[^\S\n]+`)
	newlineRegex = regexp.MustCompile(`\n{3,}`)
	// zero-width and other invisible characters used as tracking padding
	invisibleRegex = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{061C}\x{115F}\x{1160}\x{17B4}\x{17B5}\x{180E}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}\x{FFF0}-\x{FFF8}]+`)
)

// Content is the forwardable form of a message
type Content struct {
	Text  string
	Codes []models.DetectedCode
}

// Parser extracts text and codes from messages
type Parser struct {
	detector *CodeDetector
}

// New creates a parser
func New() *Parser {
	return &Parser{detector: NewCodeDetector()}
}

// Extract returns the text of msg, from its HTML part when there is one, and
// the codes found in it. A broken HTML part falls back to the plain text.
func (p *Parser) Extract(msg *mailbox.Message) (Content, error) {
	text := msg.BodyText
	var htmlErr error
	if msg.BodyHTML != "" {
		parsed, err := HTMLToText(msg.BodyHTML)
		if err != nil {
			htmlErr = err
		} else if parsed != "" {
			text = parsed
		}
	}

	text = Clean(text)
	codes := p.detector.Detect(msg.Subject + "\n" + text)
	return Content{Text: text, Codes: codes}, htmlErr
}

// HTMLToText renders HTML as plain text with one block element per line
func HTMLToText(html string) (string, error) {
	if html == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	return Clean(doc.Text()), nil
}

// Clean drops invisible characters and blank lines and collapses spaces
func Clean(text string) string {
	text = invisibleRegex.ReplaceAllString(text, "")
	text = spaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	text = strings.Join(kept, "\n")

	return strings.TrimSpace(newlineRegex.ReplaceAllString(text, "\n\n"))
}
