// Package ingest implements the webhook POST endpoint: verify, decode,
// partition by day, encode, and upload.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/apperr"
	"github.com/kamiyn/sendgridparquetlog/clock"
	"github.com/kamiyn/sendgridparquetlog/model"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
	"github.com/kamiyn/sendgridparquetlog/parquetcodec"
	"github.com/kamiyn/sendgridparquetlog/pathscheme"
	"github.com/kamiyn/sendgridparquetlog/sigverify"
)

// Handler serves POST /webhook/sendgrid.
type Handler struct {
	verifier     *sigverify.Verifier
	store        objectstore.ObjectStore
	clock        clock.Clock
	maxBodyBytes int64
	log          zerolog.Logger
}

// New constructs a Handler. maxBodyBytes bounds the request body read,
// per the 1 MiB batch cap.
func New(verifier *sigverify.Verifier, store objectstore.ObjectStore, c clock.Clock, maxBodyBytes int64, logger zerolog.Logger) *Handler {
	return &Handler{
		verifier:     verifier,
		store:        store,
		clock:        c,
		maxBodyBytes: maxBodyBytes,
		log:          logger.With().Str("component", "ingest").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	signature := r.Header.Get(sigverify.SignatureHeader)
	timestamp := r.Header.Get(sigverify.TimestampHeader)
	if err := h.verifier.Verify(signature, timestamp, body, h.clock.Now()); err != nil {
		writeError(w, err)
		return
	}

	var events []model.Event
	if err := json.Unmarshal(body, &events); err != nil {
		writeError(w, apperr.Wrap(apperr.BadRequest, "malformed request body", err))
		return
	}
	if len(events) == 0 {
		writeError(w, apperr.New(apperr.BadRequest, "event array must not be empty"))
		return
	}

	if err := h.ingest(r.Context(), events); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"count": len(events)})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limited := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, apperr.Wrap(apperr.PayloadTooLarge, "request body exceeds the allowed size", err)
	}
	return body, nil
}

// ingest groups events by their JST day and writes one raw object per
// group, sequentially. It does not roll back earlier successful writes if
// a later group fails — raw files are idempotently consumed by
// compaction, so a partial batch is acceptable.
func (h *Handler) ingest(ctx context.Context, events []model.Event) error {
	groups := model.GroupByDay(events)
	now := h.clock.Now()

	for _, group := range groups {
		blob, err := parquetcodec.Encode(group.Events)
		if err != nil {
			return err
		}
		key := pathscheme.RawKey(group.Day, now, contentHash(blob))
		if err := h.store.Put(ctx, key, blob, "application/octet-stream"); err != nil {
			return err
		}
	}
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusCode(err), map[string]string{"error": err.Error()})
}
