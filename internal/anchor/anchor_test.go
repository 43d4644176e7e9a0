package anchor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func heads() []Head {
	return []Head{
		{ChainKey: "AYR-PROD-2024-001234", Seq: 2, Digest: "bb"},
		{ChainKey: "AYR-2024-001234", Seq: 4, Digest: "aa"},
	}
}

func TestNewManifest_sortsAndSeals(t *testing.T) {
	m := NewManifest(heads(), at)
	require.Len(t, m.Heads, 2)
	assert.Equal(t, "AYR-2024-001234", m.Heads[0].ChainKey)
	assert.Len(t, m.Root, 64)
	assert.True(t, m.Valid())

	h, ok := m.Lookup("AYR-PROD-2024-001234")
	assert.True(t, ok)
	assert.Equal(t, int64(2), h.Seq)
	_, ok = m.Lookup("AYR-2024-999999")
	assert.False(t, ok)

	m.Heads[1].Digest = "cc"
	assert.False(t, m.Valid())
}

func TestNewManifest_rootIndependentOfInputOrder(t *testing.T) {
	in := heads()
	rev := []Head{in[1], in[0]}
	assert.Equal(t, NewManifest(in, at).Root, NewManifest(rev, at).Root)
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	_, err := s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoManifest)

	first := NewManifest(heads(), at)
	second := NewManifest(heads()[:1], at.Add(time.Hour))
	require.NoError(t, s.Put(context.Background(), first))
	require.NoError(t, s.Put(context.Background(), second))

	got, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, 2, s.Len())
}

// fakeS3 serves the PutObject and GetObject subset the sink uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		f.objects[key] = body
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)),
			Header: http.Header{"Etag": {`"etag"`}}}, nil
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			return &http.Response{StatusCode: http.StatusNotFound,
				Body: io.NopCloser(strings.NewReader(
					`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)),
				Header: http.Header{"Content-Type": {"application/xml"}}}, nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)),
			Header: http.Header{
				"Content-Length": {strconv.Itoa(len(body))},
				"Content-Type":   {"application/json"},
			}}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	n, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil || n <= 0 || int64(len(parts[1])) != n || parts[2] != "0" {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newFakeSink(t *testing.T) (*S3Sink, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte)}
	sink, err := NewS3Sink(context.Background(), S3Config{
		Bucket:          "ayurchain-anchors",
		Region:          "ap-south-1",
		Endpoint:        "https://mock.s3.local",
		Prefix:          "ledger",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.RetryMaxAttempts = 1
	})
	require.NoError(t, err)
	return sink, fake
}

func TestS3Sink_putAndLatest(t *testing.T) {
	sink, fake := newFakeSink(t)
	ctx := context.Background()

	_, err := sink.Latest(ctx)
	require.ErrorIs(t, err, ErrNoManifest)

	m := NewManifest(heads(), at)
	require.NoError(t, sink.Put(ctx, m))

	assert.Contains(t, fake.objects, "ledger/latest.json")
	assert.Contains(t, fake.objects, "ledger/manifest-"+strconv.FormatInt(at.UnixNano(), 10)+".json")

	got, err := sink.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Root, got.Root)
	assert.True(t, got.Valid())
	assert.Equal(t, m.Heads, got.Heads)
}

func TestNewS3Sink_requiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Endpoint: "https://mock.s3.local"})
	assert.Error(t, err)
}
