package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// TokenClaims is the validated payload of a credential.
type TokenClaims struct {
	Subject string
	Kind    string
}

// TokenService issues and validates signed access/refresh credentials.
// Validity is determined solely by signature and expiry at decode time;
// there is no server-side session table.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService builds a token service around an HS256 signing secret.
// When no real secret is configured a random one is generated, which makes
// every token issued before the restart invalid.
func NewTokenService(secret string, accessTTL, refreshTTL time.Duration) *TokenService {
	if secret == "" || secret == "dev-secret" || secret == "change-me" {
		generated, err := genToken(48)
		if err != nil {
			log.Fatalf("generating JWT secret: %v", err)
		}
		secret = generated
		log.Printf("WARNING: JWT_SECRET not set; generated a random secret. Previously issued tokens are no longer valid.")
	}
	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue creates a credential embedding subject, kind, issue/expiry times,
// and a unique jti so two tokens for the same subject stay distinguishable.
func (t *TokenService) Issue(subject, kind string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"kind": kind,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"jti":  uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *TokenService) IssueAccess(subject string) (string, error) {
	return t.Issue(subject, tokenKindAccess, t.accessTTL)
}

func (t *TokenService) IssueRefresh(subject string) (string, error) {
	return t.Issue(subject, tokenKindRefresh, t.refreshTTL)
}

// Validate verifies signature and expiry and returns the claims. It fails
// closed: any malformed structure, missing subject/kind, or decode error
// yields ErrTokenInvalid; an expired signature yields ErrTokenExpired.
func (t *TokenService) Validate(token string) (*TokenClaims, error) {
	parsed, err := jwt.Parse(token, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tk.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	subject, _ := claims["sub"].(string)
	kind, _ := claims["kind"].(string)
	if subject == "" || kind == "" {
		return nil, ErrTokenInvalid
	}
	return &TokenClaims{Subject: subject, Kind: kind}, nil
}

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashPassword(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.DefaultCost)
	return string(b), err
}

func comparePassword(hash, p string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) == nil
}
