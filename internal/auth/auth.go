// Package auth verifies the bearer tokens that guard the HTTP API.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

// ContextUserID is the gin context key holding the authenticated user.
const ContextUserID = "auth_user_id"

var (
	ErrMissingToken = errors.New("token required")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identify a user by userId, falling back to the standard subject.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.StandardClaims
}

func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue signs an HS256 token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	})
	return token.SignedString(v.secret)
}

// Verify checks the signature and expiry of tokenString and returns the user it identifies.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	id := claims.Identity()
	if id == "" {
		return "", ErrInvalidToken
	}
	return id, nil
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated user under ContextUserID.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := v.Verify(bearer(c.GetHeader("Authorization")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
				Code:    http.StatusUnauthorized,
				Message: "unauthorized: " + err.Error(),
			})
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID returns the user authenticated by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func bearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
