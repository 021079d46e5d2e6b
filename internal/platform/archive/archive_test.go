package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 answers HEAD and PUT object requests from an in-memory map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(req.URL.Path, "/")
	resp := &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader("")), Request: req}
	switch req.Method {
	case http.MethodHead:
		if _, ok := f.objects[key]; ok {
			resp.StatusCode = http.StatusOK
		} else {
			resp.StatusCode = http.StatusNotFound
		}
	case http.MethodPut:
		b, _ := io.ReadAll(req.Body)
		f.objects[key] = string(b)
		f.types[key] = req.Header.Get("Content-Type")
		resp.StatusCode = http.StatusOK
	default:
		resp.StatusCode = http.StatusMethodNotAllowed
	}
	return resp, nil
}

func newFakeStore(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("http://archive.local")
		o.RetryMaxAttempts = 1
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewS3StoreWithClient(client, "reports"), fake
}

func TestS3Store_PutCreateOnly(t *testing.T) {
	store, fake := newFakeStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "recalls/a.json", "application/json", []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if fake.objects["reports/recalls/a.json"] != `{"id":"a"}` {
		t.Errorf("unexpected stored objects: %v", fake.objects)
	}
	if fake.types["reports/recalls/a.json"] != "application/json" {
		t.Errorf("unexpected content type: %v", fake.types)
	}

	err := store.Put(ctx, "recalls/a.json", "application/json", []byte(`{}`))
	if !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists on second put, got %v", err)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	body := []byte("report")
	if err := m.Put(ctx, "k", "text/plain", body); err != nil {
		t.Fatalf("put: %v", err)
	}
	body[0] = 'X'
	got, ok := m.Get("k")
	if !ok || string(got) != "report" {
		t.Errorf("expected stored copy 'report', got %q", got)
	}
	if err := m.Put(ctx, "k", "text/plain", body); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 object, got %d", m.Len())
	}
}

func TestRecallReportKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	if got := RecallReportKey("north", "r1", at); got != "recalls/north/2026/03/04/r1.json" {
		t.Errorf("unexpected key %s", got)
	}
	if got := RecallReportKey("", "r1", at); !strings.HasPrefix(got, "recalls/default/") {
		t.Errorf("expected default facility prefix, got %s", got)
	}
}
