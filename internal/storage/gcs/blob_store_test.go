package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	gcstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/finresearch-crawler/internal/storage"
)

// fakeGCS answers multipart uploads and media downloads for a single bucket.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/test-bucket/o"):
		name := r.URL.Query().Get("name")
		body, _ := io.ReadAll(r.Body)
		f.objects[name] = body
		fmt.Fprintf(w, `{"name": %q, "bucket": "test-bucket"}`, name)
	case r.Method == http.MethodGet:
		// Downloads may use the XML path (/bucket/object) or the JSON media path.
		for name, body := range f.objects {
			if strings.HasSuffix(r.URL.Path, "/"+name) {
				_, _ = w.Write(body)
				return
			}
		}
		http.NotFound(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusBadRequest)
	}
}

func newTestStore(t *testing.T, prefix string) (*BlobStore, *fakeGCS) {
	t.Helper()
	fake := &fakeGCS{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := gcstorage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: prefix})
	require.NoError(t, err)
	return store, fake
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := gcstorage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test cleanup
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	store, fake := newTestStore(t, "/rag/")
	uri, err := store.PutObject(context.Background(), "snapshot.json", "application/json", bytes.NewReader([]byte(`{"v":1}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/rag/snapshot.json", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Contains(t, string(fake.objects["rag/snapshot.json"]), `{"v":1}`)
}

func TestGetObject(t *testing.T) {
	t.Parallel()

	store, fake := newTestStore(t, "")
	fake.objects["snapshot.json"] = []byte(`{"v":2}`)

	got, err := store.GetObject(context.Background(), "snapshot.json")
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, string(got))

	_, err = store.GetObject(context.Background(), "missing.json")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
