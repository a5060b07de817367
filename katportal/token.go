package katportal

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/golang-jwt/jwt/v5"
)

// CreateLoginToken creates the login token katportal expects in the HTTP
// Authorization header when verifying a user's credentials: an HS256 JWT
// whose claims carry the user's email address, signed with the hex SHA-256
// digest of the password. The email address needs to exist in the katportal
// user database to be able to authenticate.
func CreateLoginToken(email, password string) (string, error) {
	digest := sha256.Sum256([]byte(password))
	signingKey := []byte(hex.EncodeToString(digest[:]))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": email})
	return token.SignedString(signingKey)
}
