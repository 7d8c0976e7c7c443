package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"imagegen-payment-api/models"
)

const AccessTokenDuration = 15 * time.Minute

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// JWTService validates the access tokens the PHP backend issues to
// signed-in users. Both sides share the HMAC secret.
type JWTService struct {
	secretKey []byte
	issuer    string
}

type Claims struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

func NewJWTService(secretKey, issuer string) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// GenerateToken signs an access token for user.
func (j *JWTService) GenerateToken(user models.AuthUser, duration time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountID: user.AccountID,
		Username:  user.Username,
		Email:     user.Email,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.AccountID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateToken checks signature, expiry and issuer. The raw token is kept on
// the user so it can be forwarded to subscription activation.
func (j *JWTService) ValidateToken(tokenString string) (*models.AuthUser, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != "" && claims.TokenType != "access" {
		return nil, ErrInvalidToken
	}

	accountID := claims.AccountID
	if accountID == "" {
		accountID = claims.Subject
	}
	if accountID == "" {
		return nil, ErrInvalidToken
	}

	return &models.AuthUser{
		AccountID: accountID,
		Email:     claims.Email,
		Username:  claims.Username,
		Token:     tokenString,
	}, nil
}
