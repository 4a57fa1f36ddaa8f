package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/loiht2/ml-platform-finetune/backend/k8s"
)

// fakeS3 accepts bucket HEADs and object PUTs and records them.
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if f.bodies == nil {
			f.bodies = make(map[string][]byte)
		}
		f.bodies[r.URL.Path] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newFakeS3Client(t *testing.T) (*MinIOClient, *fakeS3) {
	t.Helper()
	backend := &fakeS3{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client, err := NewMinIOClient(MinIOConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "finetune-datasets",
	})
	if err != nil {
		t.Fatalf("NewMinIOClient: %v", err)
	}
	return client, backend
}

func TestNewMinIOClient_RequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewMinIOClient(MinIOConfig{Bucket: "b"}); err == nil {
		t.Error("expected an error without endpoint")
	}
	if _, err := NewMinIOClient(MinIOConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Error("expected an error without bucket")
	}
}

func TestPut_UploadsObject(t *testing.T) {
	client, backend := newFakeS3Client(t)

	if err := client.Put(context.Background(), "uploaded_plain-qa_data.xlsx", []byte("workbook")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	body, ok := backend.bodies["/finetune-datasets/uploaded_plain-qa_data.xlsx"]
	if !ok {
		t.Fatalf("object was not uploaded, requests: %v", backend.requests)
	}
	if !strings.Contains(string(body), "workbook") {
		t.Errorf("uploaded body = %q", body)
	}
}

func TestNewMinIOClientFromK8s(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "minio-secret", Namespace: "ml"},
		Data: map[string][]byte{
			"endpoint":  []byte("minio.ml.svc:9000"),
			"accesskey": []byte("access"),
			"secretkey": []byte("secret"),
		},
	})

	client, err := NewMinIOClientFromK8s(context.Background(), k8s.NewClient(clientset), "ml", "minio-secret", MinIOConfig{Bucket: "datasets"})
	if err != nil {
		t.Fatalf("NewMinIOClientFromK8s: %v", err)
	}
	if client.Bucket() != "datasets" {
		t.Errorf("Bucket() = %q, want datasets", client.Bucket())
	}
}
