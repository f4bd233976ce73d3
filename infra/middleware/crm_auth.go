package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"crm_server/pkg/apperr"
)

// JWTAuth guards the management API with an HMAC-signed bearer token.
// Webhook delivery routes stay public; Google authenticates those with the
// channel token header instead.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		if auth == "" {
			return apperr.Unauthorized("missing authorization header")
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return apperr.Unauthorized("invalid authorization header")
		}

		token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			return apperr.New(apperr.CodeInvalidToken, "invalid or expired token", fiber.StatusUnauthorized)
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims.GetSubject(); sub != "" {
				c.Locals("subject", sub)
			}
		}

		return c.Next()
	}
}
