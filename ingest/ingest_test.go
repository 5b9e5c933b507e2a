package ingest_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/clock"
	"github.com/kamiyn/sendgridparquetlog/ingest"
	"github.com/kamiyn/sendgridparquetlog/model"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
	"github.com/kamiyn/sendgridparquetlog/parquetcodec"
	"github.com/kamiyn/sendgridparquetlog/pathscheme"
	"github.com/kamiyn/sendgridparquetlog/sigverify"
)

const maxBodyBytes = 1 << 20

func testSetup(t *testing.T, now time.Time) (*ingest.Handler, objectstore.ObjectStore, ed25519.PrivateKey, *clock.Fixed) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	fc := &clock.Fixed{At: now}
	store := objectstore.NewMemStore(fc)
	verifier := sigverify.New(base64.StdEncoding.EncodeToString(pub), true, zerolog.Nop())
	h := ingest.New(verifier, store, fc, maxBodyBytes, zerolog.Nop())
	return h, store, priv, fc
}

func signAndPost(t *testing.T, h *ingest.Handler, priv ed25519.PrivateKey, body []byte, ts time.Time) *httptest.ResponseRecorder {
	t.Helper()
	tsHeader := strconv.FormatInt(ts.Unix(), 10)
	signed := append([]byte(tsHeader), body...)
	sig := ed25519.Sign(priv, signed)

	req := httptest.NewRequest(http.MethodPost, "/webhook/sendgrid", bytes.NewReader(body))
	req.Header.Set(sigverify.SignatureHeader, base64.StdEncoding.EncodeToString(sig))
	req.Header.Set(sigverify.TimestampHeader, tsHeader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestHappyPathSingleDay(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	h, store, priv, _ := testSetup(t, now)

	jstNoon := time.Date(2024, 3, 15, 12, 0, 0, 0, model.JST).Unix()
	body, err := json.Marshal([]map[string]any{
		{"event": "delivered", "email": "a@example.com", "timestamp": jstNoon, "sg_event_id": "1", "sg_message_id": "m1"},
		{"event": "open", "email": "b@example.com", "timestamp": jstNoon, "sg_event_id": "2", "sg_message_id": "m2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := signAndPost(t, h, priv, body, now)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["count"] != 2 {
		t.Fatalf("expected count 2, got %d", resp["count"])
	}

	day := model.PartitionKeyFor(jstNoon)
	listing, err := store.List(context.Background(), pathscheme.DayPrefix(day), "/")
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Keys) != 1 {
		t.Fatalf("expected exactly one new raw object, got %v", listing.Keys)
	}
	blob, _, err := store.Get(context.Background(), listing.Keys[0])
	if err != nil {
		t.Fatal(err)
	}
	events, err := parquetcodec.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(events))
	}
}

func TestIngestDaySplit(t *testing.T) {
	now := time.Date(2024, 3, 16, 0, 1, 0, 0, time.UTC)
	h, store, priv, _ := testSetup(t, now)

	beforeMidnight := time.Date(2024, 3, 15, 23, 59, 30, 0, model.JST).Unix()
	afterMidnight := time.Date(2024, 3, 16, 0, 0, 30, 0, model.JST).Unix()
	body, err := json.Marshal([]map[string]any{
		{"event": "delivered", "email": "a@example.com", "timestamp": beforeMidnight, "sg_event_id": "1", "sg_message_id": "m1"},
		{"event": "delivered", "email": "b@example.com", "timestamp": afterMidnight, "sg_event_id": "2", "sg_message_id": "m2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := signAndPost(t, h, priv, body, now)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	day1 := model.PartitionKeyFor(beforeMidnight)
	day2 := model.PartitionKeyFor(afterMidnight)
	if day1 == day2 {
		t.Fatal("test fixture error: expected distinct days")
	}

	l1, err := store.List(context.Background(), pathscheme.DayPrefix(day1), "/")
	if err != nil {
		t.Fatal(err)
	}
	l2, err := store.List(context.Background(), pathscheme.DayPrefix(day2), "/")
	if err != nil {
		t.Fatal(err)
	}
	if len(l1.Keys) != 1 || len(l2.Keys) != 1 {
		t.Fatalf("expected one file per day, got %v and %v", l1.Keys, l2.Keys)
	}
}

func TestIngestReplayRejected(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	h, store, priv, _ := testSetup(t, now)

	body := []byte(`[{"event":"delivered","email":"a@example.com","timestamp":1710500000,"sg_event_id":"1","sg_message_id":"m1"}]`)
	rec := signAndPost(t, h, priv, body, now.Add(-10*time.Minute))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for replayed old timestamp, got %d", rec.Code)
	}

	listing, err := store.List(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Keys) != 0 {
		t.Fatalf("expected no objects written for rejected request, got %v", listing.Keys)
	}
}

func TestIngestEmptyArrayRejected(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	h, _, priv, _ := testSetup(t, now)

	rec := signAndPost(t, h, priv, []byte(`[]`), now)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", rec.Code)
	}
}

func TestIngestMalformedJSONRejected(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	h, _, priv, _ := testSetup(t, now)

	rec := signAndPost(t, h, priv, []byte(`not json`), now)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestIngestOversizedBodyRejected(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	fc := &clock.Fixed{At: now}
	store := objectstore.NewMemStore(fc)
	verifier := sigverify.New(base64.StdEncoding.EncodeToString(pub), true, zerolog.Nop())
	const tinyMaxBody = 16
	h := ingest.New(verifier, store, fc, tinyMaxBody, zerolog.Nop())

	body, err := json.Marshal([]map[string]any{
		{"event": "delivered", "email": "a@example.com", "timestamp": now.Unix(), "sg_event_id": "1", "sg_message_id": "m1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(body) <= tinyMaxBody {
		t.Fatalf("test fixture error: body of %d bytes must exceed the %d byte cap", len(body), tinyMaxBody)
	}

	rec := signAndPost(t, h, priv, body, now)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d: %s", rec.Code, rec.Body.String())
	}

	listing, err := store.List(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Keys) != 0 {
		t.Fatalf("expected no objects written for rejected oversized request, got %v", listing.Keys)
	}
}

func TestIngestBadSignatureRejected(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	h, _, _, _ := testSetup(t, now)

	req := httptest.NewRequest(http.MethodPost, "/webhook/sendgrid", bytes.NewReader([]byte(`[]`)))
	req.Header.Set(sigverify.SignatureHeader, "bm90LXZhbGlk")
	req.Header.Set(sigverify.TimestampHeader, strconv.FormatInt(now.Unix(), 10))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}
