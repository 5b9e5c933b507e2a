// Package sigverify checks the Ed25519 signature SendGrid attaches to every
// event webhook delivery.
package sigverify

import (
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/apperr"
)

// Header names SendGrid attaches to every event webhook POST.
const (
	SignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	TimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// SkewWindow is the maximum allowed distance between the header timestamp
// and the verifier's clock, in either direction.
const SkewWindow = 5 * time.Minute

// Verifier checks the Ed25519 signature over UTF8(timestamp) ‖ rawBody. The
// configured public key is parsed once and cached for the process lifetime.
type Verifier struct {
	publicKeyB64 string
	isProduction bool
	logger       zerolog.Logger

	once      sync.Once
	publicKey ed25519.PublicKey
	keyErr    error
}

// New builds a Verifier. publicKeyB64 is the base64-encoded Ed25519 public
// key (may be empty); isProduction controls whether an absent key is
// tolerated (development) or a hard configuration error (production).
func New(publicKeyB64 string, isProduction bool, logger zerolog.Logger) *Verifier {
	return &Verifier{
		publicKeyB64: publicKeyB64,
		isProduction: isProduction,
		logger:       logger.With().Str("component", "sigverify").Logger(),
	}
}

func (v *Verifier) key() (ed25519.PublicKey, error) {
	v.once.Do(func() {
		if v.publicKeyB64 == "" {
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(v.publicKeyB64)
		if err != nil {
			v.keyErr = apperr.Wrap(apperr.Unauthorized, "malformed signing public key", err)
			return
		}
		if len(decoded) != ed25519.PublicKeySize {
			v.keyErr = apperr.New(apperr.Unauthorized, "signing public key has wrong length")
			return
		}
		v.publicKey = ed25519.PublicKey(decoded)
	})
	if v.keyErr != nil {
		return nil, v.keyErr
	}
	return v.publicKey, nil
}

// Verify checks signature and timestampHeader (as received verbatim on the
// wire) against body, using now as the verifier's clock. A nil error means
// the request is authentic and within the skew window.
func (v *Verifier) Verify(signature, timestampHeader string, body []byte, now time.Time) error {
	if signature == "" || timestampHeader == "" {
		return apperr.New(apperr.Unauthorized, "missing signature headers")
	}

	headerTime, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return apperr.Wrap(apperr.Unauthorized, "malformed timestamp header", err)
	}

	skew := now.Sub(time.Unix(headerTime, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > SkewWindow {
		return apperr.New(apperr.Forbidden, "timestamp outside allowed skew window")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return apperr.Wrap(apperr.Unauthorized, "malformed signature encoding", err)
	}

	pubKey, err := v.key()
	if err != nil {
		return err
	}
	if pubKey == nil {
		if v.isProduction {
			return apperr.New(apperr.Internal, "signature verification key is not configured")
		}
		v.logger.Warn().Msg("no signing key configured, accepting request unverified (development only)")
		return nil
	}

	signed := make([]byte, 0, len(timestampHeader)+len(body))
	signed = append(signed, timestampHeader...)
	signed = append(signed, body...)
	if !ed25519.Verify(pubKey, signed, sigBytes) {
		return apperr.New(apperr.Unauthorized, "signature verification failed")
	}
	return nil
}

// ResolvePublicKey applies the documented SENDGRID__PUBLICKEY /
// SENDGRID__VERIFICATIONKEY synonym rule: the first non-empty value wins,
// checked in that order.
func ResolvePublicKey(publicKey, verificationKey string) string {
	if publicKey != "" {
		return publicKey
	}
	return verificationKey
}
