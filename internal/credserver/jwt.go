package credserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Token scopes. An access token identifies the account; a backup token is
// what the object store accepts.
const (
	ScopeAccess = "access"
	ScopeBackup = "backup"
)

// Claims carries the account and what the token may be used for.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
	Scope     string `json:"scope"`
	CdnNumber uint32 `json:"cdn,omitempty"`
}

func GenerateToken(claims Claims, secretKey []byte, validityDuration time.Duration, now time.Time) (string, error) {
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(validityDuration))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// ParseToken validates the signature, expiry and scope of tokenString.
func ParseToken(tokenString string, secretKey []byte, scope string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, common.ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if !token.Valid || claims.AccountID == "" {
		return nil, common.ErrInvalidToken
	}
	if claims.Scope != scope {
		return nil, fmt.Errorf("%w: scope %q, want %q", common.ErrInvalidToken, claims.Scope, scope)
	}
	return claims, nil
}
