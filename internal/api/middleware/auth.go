package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bhandras/deltarun/internal/crypto"
	"github.com/bhandras/deltarun/internal/script"
	"github.com/gin-gonic/gin"
)

const (
	userInfoKey = "userInfo"
	claimsKey   = "claims"
)

var (
	errMissingToken = errors.New("missing authorization header")
	errBadHeader    = errors.New("invalid authorization header format")
)

// BearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter used by browser websocket clients that
// cannot set headers.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, nil
		}
		return "", errMissingToken
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errBadHeader
	}
	return parts[1], nil
}

// UserInfoFromClaims maps verified claims to the identity passed to scripts.
func UserInfoFromClaims(claims *crypto.TokenClaims) script.UserInfo {
	if claims == nil {
		return script.UserInfo{}
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return script.UserInfo{UserID: userID, Email: claims.Email}
}

// AuthMiddleware validates JWT tokens. A nil jwtManager lets every request
// through anonymously.
func AuthMiddleware(jwtManager *crypto.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtManager == nil {
			c.Set(userInfoKey, script.UserInfo{})
			c.Next()
			return
		}

		token, err := BearerToken(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		claims, err := jwtManager.VerifyToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(userInfoKey, UserInfoFromClaims(claims))
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// GetUserInfo returns the identity stored by AuthMiddleware.
func GetUserInfo(c *gin.Context) (script.UserInfo, bool) {
	v, exists := c.Get(userInfoKey)
	if !exists {
		return script.UserInfo{}, false
	}
	info, ok := v.(script.UserInfo)
	return info, ok
}
