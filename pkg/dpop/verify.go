package dpop

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// VerifyProof checks a proof's signature against the key embedded in its
// header and returns its claims and that key. It performs no freshness or
// replay checks; origins and test fakes layer those on top.
func VerifyProof(proof string) (*ProofClaims, JWK, error) {
	var jwk JWK
	claims := &ProofClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	_, err := parser.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != ProofType {
			return nil, fmt.Errorf("dpop: typ is %q, want %q", typ, ProofType)
		}
		raw, err := json.Marshal(t.Header["jwk"])
		if err != nil {
			return nil, fmt.Errorf("dpop: invalid jwk header: %w", err)
		}
		if err := json.Unmarshal(raw, &jwk); err != nil {
			return nil, fmt.Errorf("dpop: invalid jwk header: %w", err)
		}
		return jwk.ECDSA()
	})
	if err != nil {
		return nil, JWK{}, err
	}
	if claims.HTM == "" || claims.HTU == "" || claims.ID == "" || claims.IssuedAt == nil {
		return nil, JWK{}, fmt.Errorf("dpop: proof is missing htm, htu, jti or iat")
	}
	return claims, jwk, nil
}
