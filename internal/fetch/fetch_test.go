package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const articleHTML = `<html><head><title>Grid Storage</title><script>track()</script></head>
<body><nav>Home | About</nav>
<article><h1>Battery storage doubles</h1>
<p>Utility-scale battery storage capacity doubled in 2023, driven by falling cell prices.</p>
<p>Analysts expect growth to continue as grids integrate more solar generation.</p></article>
<footer>Copyright</footer></body></html>`

func docxBytes(t *testing.T, body, title string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body + `</w:body></w:document>`))
	w, err = zw.Create("docProps/core.xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte(`<?xml version="1.0"?><cp:coreProperties xmlns:cp="x" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>` + title + `</dc:title></cp:coreProperties>`))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractHTML(t *testing.T) {
	doc, err := Extract(TypeHTML, []byte(articleHTML))
	require.NoError(t, err)
	assert.Equal(t, "Grid Storage", doc.Title)
	assert.Contains(t, doc.Text, "Utility-scale battery storage capacity doubled")
	assert.NotContains(t, doc.Text, "track()")
	assert.NotContains(t, doc.Text, "Home | About")
}

func TestExtractDOCX(t *testing.T) {
	data := docxBytes(t, `<w:p><w:r><w:t>Inspector Hale</w:t></w:r><w:r><w:t xml:space="preserve"> lives in Bath.</w:t></w:r></w:p><w:p><w:r><w:t>Second paragraph.</w:t></w:r></w:p>`, "Seed Notes")
	doc, err := Extract(TypeDOCX, data)
	require.NoError(t, err)
	assert.Equal(t, "Seed Notes", doc.Title)
	assert.Equal(t, "Inspector Hale lives in Bath.\nSecond paragraph.", doc.Text)
}

func TestExtractRejectsUnsupported(t *testing.T) {
	_, err := Extract("image/png", []byte{0x89, 'P', 'N', 'G'})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Extract(TypePDF, []byte("not a pdf"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Extract(TypeDOCX, []byte("not a zip"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHTTPFetcher(t *testing.T) {
	big := strings.Repeat("a", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(articleHTML))
		case "/notes.txt":
			_, _ = w.Write([]byte("plain   notes\n\n\n\nmore"))
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(big))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Config{Timeout: 100 * time.Millisecond, MaxBytes: 1024}, zaptest.NewLogger(t))
	ctx := context.Background()

	doc, err := f.Fetch(ctx, srv.URL+"/article")
	require.NoError(t, err)
	assert.Equal(t, TypeHTML, doc.ContentType)
	assert.Equal(t, srv.URL+"/article", doc.URL)

	doc, err = f.Fetch(ctx, srv.URL+"/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "plain notes\n\nmore", doc.Text)

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Fetch(ctx, srv.URL+"/big")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.Fetch(ctx, srv.URL+"/slow")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransient(err))

	_, err = f.Fetch(ctx, srv.URL+"/down")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = f.Fetch(ctx, "/etc/passwd")
	assert.ErrorIs(t, err, ErrUnsupported, "local files are refused unless allowed")
}

func TestHTTPFetcherLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.docx")
	require.NoError(t, os.WriteFile(path, docxBytes(t, `<w:p><w:r><w:t>Seed text</w:t></w:r></w:p>`, ""), 0o600))

	f := NewHTTPFetcher(Config{AllowFiles: true}, zaptest.NewLogger(t))
	doc, err := f.Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "Seed text", doc.Text)
	assert.Equal(t, "seed", doc.Title)

	_, err = f.Fetch(context.Background(), filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, ErrNotFound)
}
