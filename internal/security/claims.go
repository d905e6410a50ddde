package security

import "time"

type TokenClaims struct {
	AccountID string
	Ver       int64
	Exp       time.Time
	Issuer    string
	Subject   string
}
