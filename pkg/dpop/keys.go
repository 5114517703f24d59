package dpop

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// DefaultKeyID is the kid given to a key supplied through
// KeyConfig.PrivateKeyBase64.
const DefaultKeyID = "nest-key-1"

// KeyConfig selects the gateway's signing keys. Env tags are relative; the
// gateway nests this struct under KEYS.
type KeyConfig struct {
	// ActiveKeyID is the kid used for new client assertions.
	ActiveKeyID string `json:"active_kid" yaml:"active_kid" env:"ACTIVE_KID" envDefault:"nest-key-1"`

	// KeyFiles are PKCS#8 PEM files. A file's kid is its base name without
	// extension, prefixed with "nest-" unless it already is.
	KeyFiles []string `json:"key_files,omitempty" yaml:"key_files" env:"KEY_FILES"`

	// PrivateKeyBase64 is a base64-encoded PEM key, loaded as
	// [DefaultKeyID] when KeyFiles is empty.
	PrivateKeyBase64 auth.Secret `json:"-" yaml:"private_key_base64" env:"PRIVATE_KEY_BASE64"`
}

// Key is one P-256 signing key and its public JWK.
type Key struct {
	ID         string
	Private    *ecdsa.PrivateKey
	publicJWK  JWK
	thumbprint string
}

// NewKey wraps a P-256 private key under kid.
func NewKey(kid string, priv *ecdsa.PrivateKey) (*Key, error) {
	if kid == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "dpop: key id is required")
	}
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, sserr.Newf(sserr.CodeValidation, "dpop: key %s is not a P-256 key", kid)
	}
	pub, err := PublicJWK(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{ID: kid, Private: priv, publicJWK: pub, thumbprint: pub.Thumbprint()}, nil
}

// PublicJWK returns the bare public JWK (kty, crv, x, y) embedded in proofs.
func (k *Key) PublicJWK() JWK { return k.publicJWK }

// Thumbprint returns the RFC 7638 thumbprint of the public key, the value
// origins bind tokens to.
func (k *Key) Thumbprint() string { return k.thumbprint }

// GenerateKey returns a fresh P-256 key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// EncodePrivateKeyPEM encodes priv as a PKCS#8 "PRIVATE KEY" block.
func EncodePrivateKeyPEM(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("dpop: failed to encode private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 or SEC 1 PEM EC key.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	priv, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("dpop: failed to parse private key: %w", err)
	}
	return priv, nil
}

// ---------------------------------------------------------------------------
// KeySet
// ---------------------------------------------------------------------------

// KeySet holds every key the gateway may sign with. Records name the key
// their tokens are bound to, so retired keys stay loaded until those
// sessions end. A KeySet is read-only after construction.
type KeySet struct {
	keys   map[string]*Key
	active string
}

// NewKeySet builds a set whose active key is activeID.
func NewKeySet(activeID string, keys ...*Key) (*KeySet, error) {
	ks := &KeySet{keys: make(map[string]*Key, len(keys)), active: activeID}
	for _, k := range keys {
		if _, dup := ks.keys[k.ID]; dup {
			return nil, sserr.Newf(sserr.CodeValidation, "dpop: duplicate key id %s", k.ID)
		}
		ks.keys[k.ID] = k
	}
	if len(ks.keys) == 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "dpop: no signing keys configured")
	}
	if _, ok := ks.keys[activeID]; !ok {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"dpop: active key %q not found in loaded keys %v", activeID, ks.IDs())
	}
	return ks, nil
}

// LoadKeySet reads the keys named by cfg.
func LoadKeySet(cfg KeyConfig) (*KeySet, error) {
	var keys []*Key
	for _, path := range cfg.KeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "dpop: failed to read key %s", path)
		}
		k, err := keyFromPEM(kidFromPath(path), data)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	if len(keys) == 0 && !cfg.PrivateKeyBase64.IsZero() {
		data, err := base64.StdEncoding.DecodeString(cfg.PrivateKeyBase64.Value())
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "dpop: private key is not valid base64")
		}
		k, err := keyFromPEM(DefaultKeyID, data)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	active := cfg.ActiveKeyID
	if active == "" {
		active = DefaultKeyID
	}
	return NewKeySet(active, keys...)
}

func keyFromPEM(kid string, data []byte) (*Key, error) {
	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "dpop: key %s", kid)
	}
	return NewKey(kid, priv)
}

// kidFromPath maps "/etc/nest/key2.pem" to "nest-key2".
func kidFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if stem == "" {
		stem = "key"
	}
	if strings.HasPrefix(stem, "nest-") {
		return stem
	}
	return "nest-" + stem
}

// Active returns the key used for new client assertions.
func (ks *KeySet) Active() *Key { return ks.keys[ks.active] }

// Key returns the key with the given kid. An empty kid selects the active
// key.
func (ks *KeySet) Key(kid string) (*Key, bool) {
	if kid == "" {
		return ks.Active(), true
	}
	k, ok := ks.keys[kid]
	return k, ok
}

// IDs returns every kid in sorted order.
func (ks *KeySet) IDs() []string {
	ids := make([]string, 0, len(ks.keys))
	for id := range ks.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JWKS returns the public keys for publication in client metadata.
func (ks *KeySet) JWKS() JWKSet {
	set := JWKSet{Keys: make([]JWK, 0, len(ks.keys))}
	for _, id := range ks.IDs() {
		jwk := ks.keys[id].publicJWK
		jwk.Kid = id
		jwk.Use = "sig"
		jwk.Alg = jwt.SigningMethodES256.Alg()
		set.Keys = append(set.Keys, jwk)
	}
	return set
}

// ---------------------------------------------------------------------------
// JWK
// ---------------------------------------------------------------------------

// JWK is an EC public JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// JWKSet is a JSON Web Key Set document.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK encodes a P-256 public key.
func PublicJWK(pub *ecdsa.PublicKey) (JWK, error) {
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return JWK{}, sserr.Wrap(err, sserr.CodeValidation, "dpop: invalid public key")
	}
	// Uncompressed point: 0x04 || X || Y, 32 bytes each for P-256.
	point := ecdhPub.Bytes()
	if len(point) != 65 {
		return JWK{}, sserr.New(sserr.CodeValidation, "dpop: public key is not P-256")
	}
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(point[1:33]),
		Y:   base64.RawURLEncoding.EncodeToString(point[33:65]),
	}, nil
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint over the required
// members in lexicographic order.
func (j JWK) Thumbprint() string {
	canonical, _ := json.Marshal(map[string]string{
		"crv": j.Crv,
		"kty": j.Kty,
		"x":   j.X,
		"y":   j.Y,
	})
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// headerJWK is the jwk proof header value.
func (j JWK) headerJWK() map[string]any {
	return map[string]any{"kty": j.Kty, "crv": j.Crv, "x": j.X, "y": j.Y}
}

// ECDSA decodes the JWK into a public key.
func (j JWK) ECDSA() (*ecdsa.PublicKey, error) {
	if j.Kty != "EC" || j.Crv != "P-256" {
		return nil, fmt.Errorf("dpop: unsupported jwk kty=%q crv=%q", j.Kty, j.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return nil, fmt.Errorf("dpop: failed to decode jwk x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(j.Y)
	if err != nil {
		return nil, fmt.Errorf("dpop: failed to decode jwk y: %w", err)
	}
	if len(x) != 32 || len(y) != 32 {
		return nil, fmt.Errorf("dpop: jwk coordinates must be 32 bytes")
	}
	point := append([]byte{0x04}, append(x, y...)...)
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("dpop: jwk is not on the curve: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}
