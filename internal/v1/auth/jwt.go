package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// Claims carried by conference access tokens. Room restricts the token to
// one conference; empty or "*" grants any room.
type Claims struct {
	Room  string `json:"room,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates RS256 tokens against the issuer's JWKS
// document. Keys are cached and refreshed hourly.
type JWTAuthenticator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWTAuthenticator fetches the JWKS once up front so a bad domain fails
// at startup instead of on the first join.
func NewJWTAuthenticator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWTAuthenticator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWTAuthenticator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// Authenticate parses and verifies the token, then checks its room claim
// against the conference being joined.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string, room types.RoomID) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, a.keyFunc,
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	if !roomClaimMatches(claims.Room, room) {
		return nil, fmt.Errorf("%w: token is for room '%s'", ErrNotAuthorized, claims.Room)
	}
	return &Identity{
		Subject: claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
	}, nil
}

// roomClaimMatches compares the claim against the room's local part, so a
// token minted for "orange" admits orange@conference.example.com.
func roomClaimMatches(claim string, room types.RoomID) bool {
	if claim == "" || claim == "*" {
		return true
	}
	local, _, _ := strings.Cut(string(room), "@")
	return claim == local || claim == string(room)
}
