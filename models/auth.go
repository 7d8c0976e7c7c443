package models

// AuthUser is the caller identified by the bearer token the PHP backend issued.
type AuthUser struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	// Token is the raw bearer token, forwarded to subscription activation.
	Token string `json:"-"`
}
