// Package token issues the short-lived broker tokens browsers use instead of
// the provider secret.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/sessions"
	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

const (
	issuerName      = "llm0-broker"
	signingKeyInfo  = "llm0-broker/proxy-signing"
	signingKeyBytes = 32
)

var (
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrInvalidToken          = errors.New("invalid token")
	ErrExpiredToken          = errors.New("token expired")
)

// Claims are carried by every broker token.
type Claims struct {
	Mode       protocol.Mode `json:"mode"`
	ClientHash string        `json:"cid"`
	jwt.RegisteredClaims
}

// KeySource is the slice of the vault the issuer needs.
type KeySource interface {
	ActiveKeyID() (string, bool)
	GetKey(keyID, identity, operation string) (string, bool)
	ReportFailure(keyID, identity, operation, errorCode string)
}

// RealtimeMinter mints provider-side realtime secrets.
type RealtimeMinter interface {
	Mint(ctx context.Context, apiKey string) (*providers.RealtimeSecret, error)
}

// Advisor reports which modes the provider currently supports.
type Advisor interface {
	Report(ctx context.Context) protocol.Compatibility
}

// Options holds token lifetimes and the demo switch.
type Options struct {
	Duration    time.Duration
	MinDuration time.Duration
	MaxDuration time.Duration
	DemoMode    bool
}

// Request is one token issuance.
type Request struct {
	Mode     protocol.Mode
	Identity string
	// Bearer is an optional, still-valid broker token whose session should be kept.
	Bearer string
}

type Issuer struct {
	secret   []byte
	opts     Options
	keys     KeySource
	realtime RealtimeMinter
	advisor  Advisor
	sessions *sessions.Tracker
	logger   *logrus.Entry
	now      func() time.Time
}

// NewIssuer creates an issuer. realtime and advisor may be nil, which disables realtime mode.
func NewIssuer(secret string, opts Options, keys KeySource, realtime RealtimeMinter, advisor Advisor, tracker *sessions.Tracker, logger *logrus.Logger) *Issuer {
	return &Issuer{
		secret:   []byte(secret),
		opts:     opts,
		keys:     keys,
		realtime: realtime,
		advisor:  advisor,
		sessions: tracker,
		logger:   logger.WithField("component", "token"),
		now:      time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Issue mints a token for req, choosing the best mode the deployment allows.
func (i *Issuer) Issue(ctx context.Context, req Request) (*protocol.EphemeralToken, error) {
	now := i.now()

	sessionID := ""
	if req.Bearer != "" {
		if claims, err := i.Parse(req.Bearer); err == nil {
			sessionID = claims.Subject
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var warnings []string
	lifetime := i.lifetime()
	expiresAt := now.Add(lifetime)

	mode := i.chooseMode(ctx, req.Mode, &warnings)

	var realtimeSecret *providers.RealtimeSecret
	if mode != protocol.ModeDemo {
		keyID, ok := i.keys.ActiveKeyID()
		if !ok {
			return nil, ErrCredentialUnavailable
		}
		if mode == protocol.ModeRealtime {
			secret, err := i.mintRealtime(ctx, keyID, req.Identity)
			if err != nil {
				i.logger.WithError(err).WithField("session_id", sessionID).Warn("Realtime mint failed, falling back to proxy")
				warnings = append(warnings, "realtime unavailable, using proxy mode")
				mode = protocol.ModeProxy
			} else {
				realtimeSecret = secret
			}
		}
	}

	brokerToken, err := i.sign(sessionID, mode, req.Identity, now, expiresAt)
	if err != nil {
		return nil, err
	}

	tok := &protocol.EphemeralToken{
		Success:    true,
		Token:      brokerToken,
		ExpiresAt:  expiresAt.UnixMilli(),
		SessionID:  sessionID,
		Mode:       mode,
		Warnings:   warnings,
		SigningKey: protocol.EncodeSigningKey(i.SigningKey(sessionID)),
	}
	if realtimeSecret != nil {
		tok.Token = realtimeSecret.Value
		tok.SessionToken = brokerToken
		if realtimeSecret.ExpiresAt.After(now) && realtimeSecret.ExpiresAt.Before(expiresAt) {
			tok.ExpiresAt = realtimeSecret.ExpiresAt.UnixMilli()
		}
	}

	if i.sessions != nil {
		i.sessions.Track(sessionID, mode, req.Identity, time.UnixMilli(tok.ExpiresAt))
	}
	return tok, nil
}

func (i *Issuer) chooseMode(ctx context.Context, requested protocol.Mode, warnings *[]string) protocol.Mode {
	if i.opts.DemoMode {
		return protocol.ModeDemo
	}

	if requested == protocol.ModeDemo {
		*warnings = append(*warnings, "demo mode is disabled")
		return protocol.ModeProxy
	}

	if requested == protocol.ModeProxy || i.realtime == nil || i.advisor == nil {
		return protocol.ModeProxy
	}

	report := i.advisor.Report(ctx)
	if requested == "" {
		if report.RecommendedMode == protocol.ModeRealtime {
			return protocol.ModeRealtime
		}
		return protocol.ModeProxy
	}

	// Explicit realtime request.
	if !report.Realtime {
		*warnings = append(*warnings, "realtime unavailable, using proxy mode")
		return protocol.ModeProxy
	}
	return protocol.ModeRealtime
}

func (i *Issuer) mintRealtime(ctx context.Context, keyID, identity string) (*providers.RealtimeSecret, error) {
	apiKey, ok := i.keys.GetKey(keyID, identity, "realtime_session")
	if !ok {
		return nil, ErrCredentialUnavailable
	}
	secret, err := i.realtime.Mint(ctx, apiKey)
	if err != nil {
		if providers.IsCredentialRejected(err) {
			i.keys.ReportFailure(keyID, identity, "realtime_session", fmt.Sprintf("UPSTREAM_%d", providers.StatusOf(err)))
		}
		return nil, err
	}
	return secret, nil
}

func (i *Issuer) lifetime() time.Duration {
	d := i.opts.Duration
	if i.opts.MinDuration > 0 && d < i.opts.MinDuration {
		d = i.opts.MinDuration
	}
	if i.opts.MaxDuration > 0 && d > i.opts.MaxDuration {
		d = i.opts.MaxDuration
	}
	return d
}

func (i *Issuer) sign(sessionID string, mode protocol.Mode, identity string, now, expiresAt time.Time) (string, error) {
	claims := Claims{
		Mode:       mode,
		ClientHash: clientHash(identity),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a broker token and returns its claims.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !tok.Valid || claims.Subject == "" || !claims.Mode.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SigningKey derives the per-session HMAC key for signed proxy requests.
func (i *Issuer) SigningKey(sessionID string) []byte {
	key := make([]byte, signingKeyBytes)
	r := hkdf.New(sha256.New, i.secret, []byte(sessionID), []byte(signingKeyInfo))
	_, _ = io.ReadFull(r, key)
	return key
}

func clientHash(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}
