// Package auth signs and verifies the admin login links of the HTTP surface.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AdminLink issues HMAC-signed, expiring login tokens.
type AdminLink struct {
	Secret  []byte
	BaseURL string
	Now     func() time.Time
}

var (
	ErrNoSecret   = errors.New("admin secret not configured")
	ErrBadToken   = errors.New("bad token")
	ErrBadSig     = errors.New("invalid signature")
	ErrExpired    = errors.New("expired")
	ErrBadPayload = errors.New("bad payload")
)

func (a AdminLink) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a AdminLink) mac(msg []byte) []byte {
	m := hmac.New(sha256.New, a.Secret)
	m.Write(msg)
	return m.Sum(nil)
}

// Sign returns a token for subject valid until exp, as payload.signature in
// unpadded URL-safe base64.
func (a AdminLink) Sign(subject string, exp time.Time) string {
	msg := []byte(subject + "|" + strconv.FormatInt(exp.Unix(), 10))
	return base64.RawURLEncoding.EncodeToString(msg) + "." + base64.RawURLEncoding.EncodeToString(a.mac(msg))
}

// decodeURLB64 tries raw (no padding) then padded
func decodeURLB64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// Verify checks token and returns its subject.
func (a AdminLink) Verify(token string) (string, error) {
	if len(a.Secret) == 0 {
		return "", ErrNoSecret
	}
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrBadToken
	}

	raw, err := decodeURLB64(payload)
	if err != nil {
		return "", ErrBadToken
	}
	gotSig, err := decodeURLB64(sig)
	if err != nil || !hmac.Equal(gotSig, a.mac(raw)) {
		return "", ErrBadSig
	}

	subject, ts, ok := strings.Cut(string(raw), "|")
	subject = strings.TrimSpace(subject)
	if !ok || subject == "" {
		return "", ErrBadPayload
	}
	exp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", ErrBadPayload
	}
	if a.now().After(time.Unix(exp, 0)) {
		return "", ErrExpired
	}
	return subject, nil
}

// URL returns the login link for subject, valid for ttl.
func (a AdminLink) URL(subject string, ttl time.Duration) (string, error) {
	if len(a.Secret) == 0 {
		return "", ErrNoSecret
	}
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/admin/login"
	q := u.Query()
	q.Set("token", a.Sign(subject, a.now().Add(ttl)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
