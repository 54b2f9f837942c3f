package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"relaygate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSlack records Web API calls and answers from a method table.
type fakeSlack struct {
	mu        sync.Mutex
	calls     []string
	forms     []map[string]string
	responses map[string]string
	status    map[string]int
	delay     map[string]time.Duration
	srv       *httptest.Server
}

func newFakeSlack(t *testing.T) *fakeSlack {
	t.Helper()
	f := &fakeSlack{responses: map[string]string{}, status: map[string]int{}, delay: map[string]time.Duration{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSlack) handle(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/")
	form := map[string]string{}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseForm()
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
	}
	form["authorization"] = r.Header.Get("Authorization")

	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.forms = append(f.forms, form)
	body, ok := f.responses[method]
	code := f.status[method]
	wait := f.delay[method]
	f.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-r.Context().Done():
			return
		}
	}

	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !ok {
		body = `{"ok":true}`
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

func (f *fakeSlack) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeSlack) adapter() *Slack {
	return NewSlack(SlackConfig{APIURL: f.srv.URL + "/", HTTPClient: f.srv.Client(), Logger: testLogger()})
}

// --- VerifyEntity ---

func TestVerifyEntity_Exists(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["team.info"] = `{"ok":true,"team":{"id":"T1","name":"acme"}}`
	f.responses["users.info"] = `{"ok":true,"user":{"id":"U1","name":"alice"}}`
	f.responses["conversations.info"] = `{"ok":true,"channel":{"id":"C1","name":"general"}}`
	s := f.adapter()
	ctx := context.Background()

	for _, tc := range []struct {
		kind domain.EntityKind
		id   string
	}{{domain.EntityTeam, "T1"}, {domain.EntityUser, "U1"}, {domain.EntityChannel, "C1"}} {
		if err := s.VerifyEntity(ctx, "xoxb-test", tc.kind, tc.id); err != nil {
			t.Fatalf("%s: unexpected error %v", tc.kind, err)
		}
	}
}

func TestVerifyEntity_NotFound(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["users.info"] = `{"ok":false,"error":"user_not_found"}`
	s := f.adapter()

	err := s.VerifyEntity(context.Background(), "xoxb-test", domain.EntityUser, "U404")
	if !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestVerifyEntity_OtherAPIErrorIsNotNotFound(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["conversations.info"] = `{"ok":false,"error":"internal_error"}`
	s := f.adapter()

	err := s.VerifyEntity(context.Background(), "xoxb-test", domain.EntityChannel, "C1")
	if err == nil || errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

// --- DownloadFile ---

func TestDownloadFile_SendsBearerToken(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["files/F1/report.pdf"] = "PDFDATA"
	s := f.adapter()

	var buf bytes.Buffer
	if err := s.DownloadFile(context.Background(), "xoxb-secret", f.srv.URL+"/files/F1/report.pdf", &buf); err != nil {
		t.Fatalf("download: %v", err)
	}
	if buf.String() != "PDFDATA" {
		t.Fatalf("unexpected body %q", buf.String())
	}
	if got := f.forms[0]["authorization"]; got != "Bearer xoxb-secret" {
		t.Fatalf("expected bearer auth, got %q", got)
	}
}

func TestDownloadFile_ServerError(t *testing.T) {
	f := newFakeSlack(t)
	f.status["files/F1/x"] = http.StatusBadGateway
	s := f.adapter()

	if err := s.DownloadFile(context.Background(), "xoxb", f.srv.URL+"/files/F1/x", io.Discard); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestDownloadFile_UsesDownloadClientTimeout(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["files/F1/big.zip"] = "ZIPDATA"
	f.responses["users.info"] = `{"ok":true,"user":{"id":"U1"}}`
	f.delay["files/F1/big.zip"] = 300 * time.Millisecond
	f.delay["users.info"] = 300 * time.Millisecond

	api := *f.srv.Client()
	api.Timeout = 100 * time.Millisecond
	download := *f.srv.Client()
	download.Timeout = 5 * time.Second
	s := NewSlack(SlackConfig{
		APIURL:             f.srv.URL + "/",
		HTTPClient:         &api,
		DownloadHTTPClient: &download,
		Logger:             testLogger(),
	})

	var buf bytes.Buffer
	if err := s.DownloadFile(context.Background(), "xoxb", f.srv.URL+"/files/F1/big.zip", &buf); err != nil {
		t.Fatalf("download slower than the API timeout should succeed: %v", err)
	}
	if buf.String() != "ZIPDATA" {
		t.Fatalf("unexpected body %q", buf.String())
	}

	if err := s.VerifyEntity(context.Background(), "xoxb", domain.EntityUser, "U1"); err == nil {
		t.Fatal("expected Web API call to hit its own timeout")
	}
}

// --- PostReply ---

func TestPostReply_TextInThread(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["chat.postMessage"] = `{"ok":true,"channel":"C1","ts":"1700000000.000200"}`
	s := f.adapter()

	err := s.PostReply(context.Background(), "xoxb", domain.Reply{Channel: "C1", ThreadTS: "1700000000.000100", Text: "hello"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if f.count("chat.postMessage") != 1 {
		t.Fatalf("expected 1 postMessage, got calls %v", f.calls)
	}
	form := f.forms[0]
	if form["channel"] != "C1" || form["text"] != "hello" || form["thread_ts"] != "1700000000.000100" {
		t.Fatalf("unexpected form: %v", form)
	}
}

func TestPostReply_LongTextIsChunked(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["chat.postMessage"] = `{"ok":true,"channel":"C1","ts":"1.2"}`
	s := f.adapter()

	long := strings.Repeat("a", slackMaxMsgLen+10)
	if err := s.PostReply(context.Background(), "xoxb", domain.Reply{Channel: "C1", Text: long}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if f.count("chat.postMessage") != 2 {
		t.Fatalf("expected 2 chunks, got %d", f.count("chat.postMessage"))
	}
}

func TestPostReply_InlineFileUpload(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["chat.postMessage"] = `{"ok":true,"channel":"C1","ts":"1.2"}`
	uploadURL := f.srv.URL + "/upload"
	resp, _ := json.Marshal(map[string]any{"ok": true, "upload_url": uploadURL, "file_id": "F9"})
	f.responses["files.getUploadURLExternal"] = string(resp)
	f.responses["files.completeUploadExternal"] = `{"ok":true,"files":[{"id":"F9","title":"out.csv"}]}`
	s := f.adapter()

	err := s.PostReply(context.Background(), "xoxb", domain.Reply{
		Channel:  "C1",
		ThreadTS: "1.1",
		Text:     "here you go",
		File:     &domain.FileArtifact{Name: "out.csv", Mimetype: "text/csv", Content: []byte("a,b\n1,2\n")},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	for _, m := range []string{"chat.postMessage", "files.getUploadURLExternal", "upload", "files.completeUploadExternal"} {
		if f.count(m) != 1 {
			t.Fatalf("expected one %s call, got calls %v", m, f.calls)
		}
	}
}

func TestPostReply_ErrorPropagates(t *testing.T) {
	f := newFakeSlack(t)
	f.responses["chat.postMessage"] = `{"ok":false,"error":"channel_not_found"}`
	s := f.adapter()

	if err := s.PostReply(context.Background(), "xoxb", domain.Reply{Channel: "C404", Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

// --- helpers ---

func TestSplitSlackMessage_PrefersNewlines(t *testing.T) {
	msg := strings.Repeat("x", 30) + "\n" + strings.Repeat("y", 30)
	chunks := splitSlackMessage(msg, 40)
	if len(chunks) != 2 || !strings.HasSuffix(chunks[0], "\n") {
		t.Fatalf("unexpected chunks: %q", chunks)
	}
}

func TestStripMentions(t *testing.T) {
	tests := map[string]string{
		"<@U123> hello":        "hello",
		"<@U123> <@U456>  hi ": "hi",
		"no mention":           "no mention",
		"<@U123>":              "",
		"<@broken":             "<@broken",
	}
	for in, want := range tests {
		if got := StripMentions(in); got != want {
			t.Errorf("StripMentions(%q) = %q, want %q", in, got, want)
		}
	}
}
