package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminClaims is the typed JWT carried by operators of the admin surface.
// Tokens are minted out of band; the API only verifies them.
type AdminClaims struct {
	AdminID uuid.UUID `json:"admin_id"`
	jwt.RegisteredClaims
}
