package auth

import "time"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// NonceMessagePrefix precedes the nonce in the message a wallet signs.
const NonceMessagePrefix = "TaskWiser authentication nonce:\n"

// Nonce is a one-time login challenge for a wallet address.
type Nonce struct {
	Address   string
	Value     string
	ExpiresAt time.Time
}

// Message is the text the wallet must personal_sign.
func (n Nonce) Message() string {
	return NonceMessagePrefix + n.Value
}

// NonceRequest asks for a login challenge.
type NonceRequest struct {
	Address string `json:"address"`
}

// LoginRequest carries the signed challenge.
type LoginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// Session is the authenticated identity behind a token.
type Session struct {
	Address string
	Role    Role
}
