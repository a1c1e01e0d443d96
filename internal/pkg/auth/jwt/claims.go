package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the structure of the JSON Web Token (JWT) claims issued by
// the FoodShare identity service. The chat core consumes only the user ID;
// every other attribute of the account lives with the identity collaborator.
type Payload struct {
	// StandardClaims embeds the necessary JWT standard fields such as Exp (Expiration),
	// Iat (Issued At), and Iss (Issuer). These are crucial for token validity checks.
	jwt.StandardClaims `json:"standard_claims"`

	// UserID is the numeric identifier of the account holder.
	UserID int64 `json:"userId"`
}
