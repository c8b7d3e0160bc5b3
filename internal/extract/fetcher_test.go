// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/legal-research-assistant/internal/resilience"
)

var judgmentParagraph = strings.Repeat("The court held that the dismissal was procedurally unfair. ", 5)

const judgmentPage = `<!DOCTYPE html>
<html>
<head><title>  Moyo v Zimbabwe Revenue Authority  </title>
<style>body { color: red; }</style>
<script>var tracking = "ignore me";</script>
</head>
<body>
<nav><a href="/">Home</a> | <a href="/judgments">Judgments</a></nav>
<header>Site header</header>
<article>
  <h1>Moyo v ZIMRA</h1>
  <p>` + "%PARA%" + `</p>
  <ul><li>Appeal allowed.</li><li>Costs to the appellant.</li></ul>
</article>
<footer>Copyright notice</footer>
</body>
</html>`

func TestParseHTML_PrefersArticle(t *testing.T) {
	html := strings.Replace(judgmentPage, "%PARA%", judgmentParagraph, 1)

	title, text, err := ParseHTML(strings.NewReader(html))
	require.NoError(t, err)

	assert.Equal(t, "Moyo v Zimbabwe Revenue Authority", title)
	assert.Contains(t, text, "procedurally unfair")
	assert.Contains(t, text, "Appeal allowed.")
	assert.Contains(t, text, "Moyo v ZIMRA")
	assert.NotContains(t, text, "tracking")
	assert.NotContains(t, text, "Home")
	assert.NotContains(t, text, "Copyright notice")
	assert.Contains(t, text, "\n\n")
}

func TestParseHTML_FallsBackToBody(t *testing.T) {
	html := `<html><body><article><p>Too short.</p></article><div><p>Body paragraph one.</p><p>Body paragraph two.</p></div></body></html>`

	title, text, err := ParseHTML(strings.NewReader(html))
	require.NoError(t, err)
	assert.Empty(t, title)
	assert.Equal(t, "Too short.\n\nBody paragraph one.\n\nBody paragraph two.", text)
}

func TestParseHTML_NoBlocksUsesText(t *testing.T) {
	_, text, err := ParseHTML(strings.NewReader(`<html><body><div>Just   some
	loose text</div></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, "Just some loose text", text)
}

func TestFetch(t *testing.T) {
	html := strings.Replace(judgmentPage, "%PARA%", judgmentParagraph, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/judgment":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(html))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("Section 12.   Notice\nperiods apply."))
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	f := NewFetcher(Config{}, zaptest.NewLogger(t))
	ctx := context.Background()

	page, err := f.Fetch(ctx, server.URL+"/judgment")
	require.NoError(t, err)
	assert.Equal(t, "Moyo v Zimbabwe Revenue Authority", page.Title)
	assert.Contains(t, page.Text, "procedurally unfair")

	text, err := f.Text(ctx, server.URL+"/plain")
	require.NoError(t, err)
	assert.Equal(t, "Section 12. Notice periods apply.", text)

	_, err = f.Fetch(ctx, server.URL+"/gone")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode())

	_, err = f.Fetch(ctx, server.URL+"/down")
	assert.True(t, resilience.IsRetryable(err))
}

func TestFetch_TruncatesText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("a", 500)))
	}))
	defer server.Close()

	f := NewFetcher(Config{MaxChars: 50}, nil)
	text, err := f.Text(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Len(t, text, 50)
}

func TestFetch_InvalidURL(t *testing.T) {
	f := NewFetcher(Config{}, nil)
	for _, raw := range []string{"", "ftp://example.com/file", "not a url", "https://"} {
		_, err := f.Fetch(context.Background(), raw)
		assert.ErrorIs(t, err, resilience.ErrValidation, raw)
	}
}

func TestFetch_StopsCallingFailingHost(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewFetcher(Config{HostFailures: 2, HostCooldown: time.Hour}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.Fetch(ctx, server.URL+"/judgment")
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())

	_, err := f.Text(ctx, server.URL+"/other")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, resilience.KindServer, resilience.Classify(err))

	hosts := f.Hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, resilience.CircuitOpen, hosts[0].State)
}
