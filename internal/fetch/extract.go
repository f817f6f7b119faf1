package fetch

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

// Extract converts raw bytes of the given media type to a Document.
func Extract(contentType string, data []byte) (Document, error) {
	var (
		doc Document
		err error
	)
	switch contentType {
	case TypeHTML, "application/xhtml+xml":
		doc, err = extractHTML(data)
	case TypePlain, "text/markdown":
		doc = Document{Text: normalizeText(string(data))}
	case TypePDF:
		doc, err = extractPDF(data)
	case TypeDOCX:
		doc, err = extractDOCX(data)
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
	}
	if err != nil {
		return Document{}, err
	}
	if !utf8.ValidString(doc.Text) {
		doc.Text = strings.ToValidUTF8(doc.Text, "")
	}
	doc.ContentType = contentType
	return doc, nil
}

var boilerplate = "script, style, noscript, nav, footer, header, aside, form, iframe, svg"

func extractHTML(data []byte) (Document, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Document{}, fmt.Errorf("%w: parse html: %v", ErrUnsupported, err)
	}
	title := strings.TrimSpace(page.Find("title").First().Text())
	if og, ok := page.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		title = strings.TrimSpace(og)
	}
	page.Find(boilerplate).Remove()

	root := page.Find("article").First()
	if root.Length() == 0 {
		root = page.Find("main").First()
	}
	if root.Length() == 0 {
		root = page.Find("body")
	}

	var lines []string
	last := ""
	root.Find("h1, h2, h3, h4, p, li, blockquote, pre, td").Each(func(_ int, s *goquery.Selection) {
		line := strings.Join(strings.Fields(s.Text()), " ")
		if line == "" || line == last {
			return
		}
		last = line
		lines = append(lines, line)
	})
	text := strings.Join(lines, "\n")
	if len(text) < 200 {
		text = normalizeText(root.Text())
	}
	return Document{Title: title, Text: text}, nil
}

func extractPDF(data []byte) (doc Document, err error) {
	// The pdf reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed pdf: %v", ErrUnsupported, r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("%w: open pdf: %v", ErrUnsupported, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Document{}, fmt.Errorf("%w: read pdf: %v", ErrUnsupported, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return Document{}, fmt.Errorf("%w: read pdf: %v", ErrUnsupported, err)
	}
	return Document{Text: normalizeText(buf.String())}, nil
}

func extractDOCX(data []byte) (Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("%w: open docx: %v", ErrUnsupported, err)
	}
	var doc Document
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			text, err := readDOCXBody(f)
			if err != nil {
				return Document{}, err
			}
			doc.Text = text
		case "docProps/core.xml":
			doc.Title = readDOCXTitle(f)
		}
	}
	if doc.Text == "" {
		return Document{}, fmt.Errorf("%w: docx has no body", ErrUnsupported)
	}
	return doc, nil
}

func readDOCXBody(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		sb     strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: docx xml: %v", ErrUnsupported, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return normalizeText(sb.String()), nil
}

func readDOCXTitle(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()
	var core struct {
		Title string `xml:"title"`
	}
	if err := xml.NewDecoder(rc).Decode(&core); err != nil {
		return ""
	}
	return strings.TrimSpace(core.Title)
}

// normalizeText collapses runs of spaces and blank lines.
func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
