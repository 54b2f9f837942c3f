package storage

import (
	"bytes"
	"context"
	"encoding/xml"
	"hash/crc64"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// bucketTransport serves a minimal in-memory COS bucket.
type bucketTransport struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	auth    []string
}

func newBucketTransport() *bucketTransport {
	return &bucketTransport{objects: map[string][]byte{}, types: map[string]string{}}
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
}

func (b *bucketTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = append(b.auth, req.Header.Get("Authorization"))
	key := strings.TrimPrefix(req.URL.Path, "/")

	switch req.Method {
	case http.MethodPut:
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		b.objects[key] = data
		b.types[key] = req.Header.Get("Content-Type")
		header := make(http.Header)
		header.Set("x-cos-hash-crc64ecma", strconv.FormatUint(crc64.Checksum(data, crc64.MakeTable(crc64.ECMA)), 10))
		header.Set("ETag", `"etag"`)
		return &http.Response{StatusCode: 200, Header: header, Body: io.NopCloser(strings.NewReader(""))}, nil

	case http.MethodGet:
		params, _ := url.ParseQuery(req.URL.RawQuery)
		prefix := params.Get("prefix")
		result := listResult{Name: "test-bucket", Prefix: prefix}
		var keys []string
		for k := range b.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			result.Contents = append(result.Contents, struct {
				Key  string `xml:"Key"`
				Size int64  `xml:"Size"`
			}{Key: k, Size: int64(len(b.objects[k]))})
		}
		data, err := xml.Marshal(result)
		if err != nil {
			return nil, err
		}
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": {"application/xml"}},
			Body:       io.NopCloser(bytes.NewReader(data)),
		}, nil

	case http.MethodDelete:
		delete(b.objects, key)
		return &http.Response{StatusCode: 204, Header: make(http.Header), Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	return &http.Response{StatusCode: 405, Header: make(http.Header), Body: io.NopCloser(strings.NewReader(""))}, nil
}

func newTestCOS(t *testing.T) (*COS, *bucketTransport) {
	t.Helper()
	transport := newBucketTransport()
	store, err := NewCOS(COSConfig{
		BucketURL:  "https://test-bucket-1250000000.cos.ap-tokyo.myqcloud.com",
		SecretID:   "AKIDtest",
		SecretKey:  "secret",
		HTTPClient: &http.Client{Transport: transport},
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return store, transport
}

func TestCOS_PutListDelete(t *testing.T) {
	store, transport := newTestCOS(t)
	ctx := context.Background()

	data := []byte("hello attachment")
	require.NoError(t, store.Put(ctx, "attachments/corr-1/F1/a.txt", bytes.NewReader(data), int64(len(data)), "text/plain"))
	require.NoError(t, store.Put(ctx, "attachments/corr-1/F2/b.bin", bytes.NewReader([]byte{1, 2}), 2, ""))
	require.NoError(t, store.Put(ctx, "attachments/corr-2/F3/c.txt", strings.NewReader("x"), 1, "text/plain"))

	assert.Equal(t, data, transport.objects["attachments/corr-1/F1/a.txt"])
	assert.Equal(t, "application/octet-stream", transport.types["attachments/corr-1/F2/b.bin"])

	keys, err := store.List(ctx, "attachments/corr-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"attachments/corr-1/F1/a.txt", "attachments/corr-1/F2/b.bin"}, keys)

	require.NoError(t, store.Delete(ctx, keys...))
	keys, err = store.List(ctx, "attachments/corr-1/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	remaining, err := store.List(ctx, "attachments/")
	require.NoError(t, err)
	assert.Equal(t, []string{"attachments/corr-2/F3/c.txt"}, remaining)
}

func TestCOS_RequestsAreSigned(t *testing.T) {
	store, transport := newTestCOS(t)
	require.NoError(t, store.Put(context.Background(), "k", strings.NewReader("v"), 1, "text/plain"))
	require.NotEmpty(t, transport.auth)
	assert.Contains(t, transport.auth[0], "q-sign-algorithm=sha1")
}

func TestCOS_PresignGet(t *testing.T) {
	store, _ := newTestCOS(t)

	raw, err := store.PresignGet(context.Background(), "results/corr-1/report.pdf", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "test-bucket-1250000000.cos.ap-tokyo.myqcloud.com", u.Host)
	assert.Equal(t, "/results/corr-1/report.pdf", u.Path)
	assert.NotEmpty(t, u.Query().Get("q-signature"))
}

func TestNewCOS_InvalidBucketURL(t *testing.T) {
	_, err := NewCOS(COSConfig{BucketURL: "not a url", Logger: testLogger()})
	assert.Error(t, err)
}
