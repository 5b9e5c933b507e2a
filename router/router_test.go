package router_test

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/clock"
	"github.com/kamiyn/sendgridparquetlog/compactor"
	"github.com/kamiyn/sendgridparquetlog/config"
	"github.com/kamiyn/sendgridparquetlog/ingest"
	"github.com/kamiyn/sendgridparquetlog/lockservice"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
	"github.com/kamiyn/sendgridparquetlog/router"
	"github.com/kamiyn/sendgridparquetlog/sigverify"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	fc := &clock.Fixed{At: time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC)}
	store := objectstore.NewMemStore(fc)
	verifier := sigverify.New(base64.StdEncoding.EncodeToString(make([]byte, 32)), false, zerolog.Nop())
	ingestHandler := ingest.New(verifier, store, fc, 1<<20, zerolog.Nop())
	lock := lockservice.New(store, fc, 10*time.Minute, 3*time.Minute, "test-owner")
	comp := compactor.New(store, lock, fc, zerolog.Nop())
	cfg := &config.Config{MaxBodyBytes: 1 << 20}
	return router.New(cfg, zerolog.Nop(), fc, store, ingestHandler, comp)
}

func TestHealthEndpoint(t *testing.T) {
	r := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCompactionStatusNotFoundBeforeFirstRun(t *testing.T) {
	r := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/compaction/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompactionStartThenStatus(t *testing.T) {
	r := testRouter(t)

	startReq := httptest.NewRequest(http.MethodPost, "/compaction/start", nil)
	startRec := httptest.NewRecorder()
	r.ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from start, got %d: %s", startRec.Code, startRec.Body.String())
	}

	// Give the background goroutine a moment to finish and write status.
	time.Sleep(50 * time.Millisecond)

	statusReq := httptest.NewRequest(http.MethodGet, "/compaction/status", nil)
	statusRec := httptest.NewRecorder()
	r.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from status after a run, got %d: %s", statusRec.Code, statusRec.Body.String())
	}
}

func TestSendgridWebhookOversizedBodyRejected(t *testing.T) {
	fc := &clock.Fixed{At: time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC)}
	store := objectstore.NewMemStore(fc)
	verifier := sigverify.New(base64.StdEncoding.EncodeToString(make([]byte, 32)), false, zerolog.Nop())
	const tinyMaxBody = 16
	ingestHandler := ingest.New(verifier, store, fc, tinyMaxBody, zerolog.Nop())
	lock := lockservice.New(store, fc, 10*time.Minute, 3*time.Minute, "test-owner")
	comp := compactor.New(store, lock, fc, zerolog.Nop())
	cfg := &config.Config{MaxBodyBytes: tinyMaxBody}
	r := router.New(cfg, zerolog.Nop(), fc, store, ingestHandler, comp)

	body := []byte(`[{"event":"delivered","email":"a@example.com","timestamp":1,"sg_event_id":"1","sg_message_id":"m1"}]`)
	if len(body) <= tinyMaxBody {
		t.Fatalf("test fixture error: body of %d bytes must exceed the %d byte cap", len(body), tinyMaxBody)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/sendgrid", bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for a Content-Length over the cap, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSendgridWebhookBadSignatureRejected(t *testing.T) {
	r := testRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/sendgrid", nil)
	req.Header.Set(sigverify.SignatureHeader, "bm90LXZhbGlk")
	// 2024-03-16T01:00:00Z, the fixed clock's instant, so the skew check passes
	// and the signature check is what rejects the request.
	req.Header.Set(sigverify.TimestampHeader, "1710550800")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
