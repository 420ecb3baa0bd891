package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"qrattend/internal/attendance"
)

// Claims is the JWT payload carrying the authenticated identity. The
// core never issues identities in production; an external IdP is
// expected to mint compatible tokens.
type Claims struct {
	Name          string `json:"name"`
	Role          string `json:"role"`
	StudentNumber string `json:"student_number,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts claims into the domain identity snapshot.
func (c Claims) Identity() attendance.Identity {
	return attendance.Identity{
		ID:            c.Subject,
		Name:          c.Name,
		Role:          c.Role,
		StudentNumber: c.StudentNumber,
	}
}

// Issue signs an HS256 identity token. Used by the dev token endpoint
// and tests.
func Issue(id attendance.Identity, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := Claims{
		Name:          id.Name,
		Role:          id.Role,
		StudentNumber: id.StudentNumber,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns its claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	if claims.Role != attendance.RoleTeacher && claims.Role != attendance.RoleStudent {
		return Claims{}, errors.New("unknown role")
	}
	return *claims, nil
}
