package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the immutable claim derived from a verified connection credential.
type Identity struct {
	UserID string
	Role   string
	Year   int
	Branch string
}

// BatchKey returns the normalized (year, branch) pair for logging.
func (i Identity) BatchKey() string {
	return fmt.Sprintf("%d/%s", i.Year, strings.ToUpper(i.Branch))
}

// IdentityClaims is the JWT payload carried by batchline credentials.
type IdentityClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Year   int    `json:"batch_year"`
	Branch string `json:"batch_branch"`
	jwt.RegisteredClaims
}

func (c IdentityClaims) identity() Identity {
	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		userID = strings.TrimSpace(c.Subject)
	}
	return Identity{
		UserID: userID,
		Role:   strings.TrimSpace(c.Role),
		Year:   c.Year,
		Branch: strings.TrimSpace(c.Branch),
	}
}
