package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPutObjectAndPresign(t *testing.T) {
	var (
		mu      sync.Mutex
		method  string
		path    string
		metaSum string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path, metaSum = r.Method, r.URL.Path, r.Header.Get("X-Amz-Meta-Sha256")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := New(context.Background(), Options{
		Endpoint:       srv.URL,
		AccessKey:      "key",
		SecretKey:      "secret",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := "structure data"
	sum := sha256.Sum256([]byte(body))
	digest := hex.EncodeToString(sum[:])
	if err := client.PutObject(context.Background(), "artifacts", "jobs/42/out.pdb", strings.NewReader(body), int64(len(body)), digest); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/artifacts/jobs/42/out.pdb" {
		t.Fatalf("request = %s %s", method, path)
	}
	if metaSum != digest {
		t.Fatalf("sha256 metadata = %q, want %q", metaSum, digest)
	}

	url, err := client.PresignGet(context.Background(), "artifacts", "jobs/42/out.pdb", time.Hour)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.HasPrefix(url, srv.URL+"/artifacts/jobs/42/out.pdb?") || !strings.Contains(url, "X-Amz-Signature=") {
		t.Fatalf("presigned url = %q", url)
	}
}

func TestNewRejectsHalfCredentials(t *testing.T) {
	if _, err := New(context.Background(), Options{AccessKey: "only"}); err == nil {
		t.Fatalf("expected error for access key without secret")
	}
}

func TestEncodeSHA256(t *testing.T) {
	if _, err := encodeSHA256(""); err == nil {
		t.Fatalf("expected error for empty digest")
	}
	if _, err := encodeSHA256("zz"); err == nil {
		t.Fatalf("expected error for non-hex digest")
	}
	got, err := encodeSHA256("00ff")
	if err != nil || got != "AP8=" {
		t.Fatalf("encodeSHA256 = %q, %v", got, err)
	}
}
