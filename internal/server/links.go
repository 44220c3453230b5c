package server

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LinkSigner issues and verifies the completion links embedded in reminder
// emails. With a secret configured, links carry an HS256 token bound to the
// record id so a forwarded or guessed URL cannot complete someone else's
// record. Without a secret, links are plain (dev mode).
type LinkSigner struct {
	Secret  string
	BaseURL string
	TTL     time.Duration
	Now     func() time.Time
}

const linkIssuer = "nudge"

func (s LinkSigner) Enabled() bool { return strings.TrimSpace(s.Secret) != "" }

func (s LinkSigner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// LinkFor renders the completion URL for one record.
func (s LinkSigner) LinkFor(recordID string) string {
	base := strings.TrimRight(s.BaseURL, "/")
	plain := fmt.Sprintf("%s/complete/%s", base, url.PathEscape(recordID))
	if !s.Enabled() {
		return plain
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    linkIssuer,
		Subject:   recordID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return plain
	}
	return plain + "?token=" + url.QueryEscape(token)
}

// Verify checks a link token against the record id it was minted for.
func (s LinkSigner) Verify(recordID, token string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("completion token required")
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.Secret), nil
	}, jwt.WithIssuer(linkIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return fmt.Errorf("invalid completion token: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != recordID {
		return fmt.Errorf("completion token not issued for this record")
	}
	return nil
}
