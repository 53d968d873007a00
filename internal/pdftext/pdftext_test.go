package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// buildPDF assembles a single-page PDF showing text, with a valid xref table.
func buildPDF(text string) []byte {
	stream := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractText(t *testing.T) {
	t.Parallel()

	doc := buildPDF("Decreto 9001 nomeia servidores")
	var gotReferer, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	e := New(Config{UserAgent: "test-agent", Referer: "https://saojoaodelrei.mg.gov.br/", Timeout: 5 * time.Second})
	text, err := e.ExtractText(context.Background(), srv.URL+"/doc?ID=4821")
	require.NoError(t, err)
	require.Contains(t, text, "Decreto")
	require.Equal(t, "https://saojoaodelrei.mg.gov.br/", gotReferer)
	require.Equal(t, "test-agent", gotUA)
}

func TestExtractTextFailures(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("/html", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>Acesso negado</body></html>"))
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 2048)...))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4\nnot really a pdf"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := New(Config{Timeout: 5 * time.Second, MaxBytes: 1024})

	_, err := e.ExtractText(context.Background(), srv.URL+"/missing")
	require.ErrorContains(t, err, "status 404")

	_, err = e.ExtractText(context.Background(), srv.URL+"/html")
	require.ErrorIs(t, err, ErrNotPDF)

	_, err = e.ExtractText(context.Background(), srv.URL+"/big")
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = e.ExtractText(context.Background(), srv.URL+"/broken")
	require.Error(t, err)
}

func TestExtractTextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).ExtractText(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type denyLimiter struct{}

func (denyLimiter) Wait(context.Context, string) error { return context.Canceled }

func TestExtractTextLimiter(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, WithLimiter(denyLimiter{})).ExtractText(context.Background(), "http://127.0.0.1:1/doc")
	require.ErrorIs(t, err, context.Canceled)
}
