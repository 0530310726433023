package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesIdentityTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "batchline-auth",
		Audience:      "batchline-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresAt, err := issuer.Issue(Identity{UserID: "user-123", Role: "student", Year: 2024, Branch: "CSE"})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}

	claims := &IdentityClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.UserID != "user-123" {
		t.Fatalf("unexpected subject %s/%s", claims.Subject, claims.UserID)
	}
	if claims.Year != 2024 || claims.Branch != "CSE" {
		t.Fatalf("unexpected batch claims %d/%s", claims.Year, claims.Branch)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "batchline-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestNewTokenIssuerRejectsIncompleteConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  TokenIssuerConfig
	}{
		{name: "missing-secret", cfg: TokenIssuerConfig{Issuer: "batchline-auth", Audience: "batchline-api"}},
		{name: "missing-issuer", cfg: TokenIssuerConfig{SigningSecret: []byte("secret"), Audience: "batchline-api"}},
		{name: "missing-audience", cfg: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "batchline-auth", Audience: " "}},
		{name: "negative-ttl", cfg: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "batchline-auth", Audience: "batchline-api", TokenTTL: -time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(tt.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

func TestTokenIssuerRejectsMissingUser(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "batchline-auth",
		Audience:      "batchline-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue(Identity{Year: 2024, Branch: "CSE"}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
}
