// Package auth implements request signing and nonce management for the
// Kraken REST and websocket APIs.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"krakenconn/pkg/core"
)

// Signer produces per-request nonces and HMAC-SHA512 signatures.
// A single Signer owns the nonce counter for its credentials; nonces
// are strictly increasing across the process, safe for concurrent use.
type Signer struct {
	key    string
	secret []byte
	nonce  atomic.Int64
}

// NewSigner decodes the base64 secret and seeds the nonce counter from
// the wall clock, so a restarted process keeps producing nonces above
// everything it sent before. A malformed secret fails here, not on the
// first signed request.
func NewSigner(creds *core.Credentials) (*Signer, error) {
	if creds == nil || creds.APIKey == "" || creds.APISecret == "" {
		return nil, core.ErrNoCredentials
	}

	secret, err := base64.StdEncoding.DecodeString(creds.APISecret)
	if err != nil {
		return nil, core.NewError(core.ErrorTypeSigning, "decode api secret: "+err.Error())
	}

	s := &Signer{
		key:    creds.APIKey,
		secret: secret,
	}
	s.nonce.Store(time.Now().UnixNano())
	return s, nil
}

// APIKey returns the public key identifier for request headers.
func (s *Signer) APIKey() string {
	return s.key
}

// Next returns a nonce strictly greater than every nonce this signer
// has produced before.
func (s *Signer) Next() int64 {
	return s.nonce.Add(1)
}

// Signed is the output of signing one request. Body holds the exact
// encoded form the signature covers; the transport must send those
// bytes unchanged.
type Signed struct {
	Nonce     string
	Signature string
	Body      string
}

// Sign produces a fresh nonce and the spot API signature for the given
// URL path and form parameters. The nonce is folded into the form
// before encoding.
func (s *Signer) Sign(path string, form url.Values) Signed {
	nonce := strconv.FormatInt(s.Next(), 10)
	return s.signWithNonce(path, nonce, form)
}

// signWithNonce computes base64(HMAC-SHA512(secret, path + SHA256(nonce + body))).
func (s *Signer) signWithNonce(path, nonce string, form url.Values) Signed {
	if form == nil {
		form = make(url.Values)
	}
	form.Set("nonce", nonce)
	body := form.Encode()

	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])

	return Signed{
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Body:      body,
	}
}

// SignFutures produces the derivatives API signature for the given
// endpoint and concatenated query/post data:
// base64(HMAC-SHA512(secret, SHA256(data + nonce + endpoint))).
// A "/derivatives" prefix on the endpoint is not part of the signed path.
func (s *Signer) SignFutures(endpoint, data string) Signed {
	nonce := strconv.FormatInt(s.Next(), 10)
	endpoint = strings.TrimPrefix(endpoint, "/derivatives")

	digest := sha256.Sum256([]byte(data + nonce + endpoint))
	mac := hmac.New(sha512.New, s.secret)
	mac.Write(digest[:])

	return Signed{
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Body:      data,
	}
}

// SignChallenge signs the server-issued challenge string used to
// authenticate private futures websocket feeds.
func (s *Signer) SignChallenge(challenge string) string {
	digest := sha256.Sum256([]byte(challenge))
	mac := hmac.New(sha512.New, s.secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns the signer identity with the key masked for logs.
func (s *Signer) String() string {
	return "Signer{key:" + maskKey(s.key) + "}"
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
