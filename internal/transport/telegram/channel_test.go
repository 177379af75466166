package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reportbot/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	texts []string
	fail  bool
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	if b.fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	text, _ := body["text"].(string)
	b.texts = append(b.texts, text)
	id := 100 + len(b.texts)
	b.mu.Unlock()
	_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":-1001,"type":"supergroup"},"text":"x"}}`, id)
}

func newTestChannel(t *testing.T, api *botAPI) *Channel {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	ch, err := New(Config{Token: "123:abc", ChatID: -1001, URL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	return ch
}

func TestSendReturnsChatQualifiedID(t *testing.T) {
	api := &botAPI{}
	ch := newTestChannel(t, api)

	id, err := ch.Send(context.Background(), "18:00 report", nil)
	require.NoError(t, err)
	assert.Equal(t, "-1001:101", id)
	assert.Equal(t, []string{"18:00 report"}, api.texts)
}

func TestSendSplitsLongContent(t *testing.T) {
	api := &botAPI{}
	ch := newTestChannel(t, api)

	line := strings.Repeat("x", 99) + "\n"
	id, err := ch.Send(context.Background(), strings.Repeat(line, 60), nil)
	require.NoError(t, err)
	assert.Equal(t, "-1001:101", id, "first part identifies the report")
	assert.Len(t, api.texts, 2)
}

func TestSendError(t *testing.T) {
	ch := newTestChannel(t, &botAPI{fail: true})
	_, err := ch.Send(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "t"}, logx.Nop())
	assert.Error(t, err)
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{"short", "hello", 10, "", []string{"hello"}},
		{"newline boundary", "aaaa\nbbbb\ncc", 10, "", []string{"aaaa\nbbbb", "cc"}},
		{"hard cut", "abcdefghij", 4, "", []string{"abcd", "efgh", "ij"}},
		{"html tag kept whole", "abcdef<b>x</b>", 8, "HTML", []string{"abcdef", "<b>x</b>"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, splitText(tc.in, tc.limit, tc.mode))
		})
	}
}
