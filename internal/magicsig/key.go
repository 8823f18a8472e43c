// Package magicsig implements the Magic Signatures RSA key format and the
// signing primitive used by Salmon.
package magicsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
)

// AlgRSASHA256 is the only signature algorithm in use.
const AlgRSASHA256 = "RSA-SHA256"

var (
	ErrMalformedKey = errors.New("malformed magic key")
	// ErrSigning is returned when a key without a private half is asked to sign.
	ErrSigning = errors.New("signing error")
	// ErrMalformedSignature means the signature is not valid base64.
	ErrMalformedSignature = errors.New("malformed signature encoding")
)

var keyPattern = regexp.MustCompile(`^RSA\.([^.]+)\.([^.]+)(?:\.([^.]+))?$`)

// Key is an RSA public key, optionally with its private half.
type Key struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// Generate creates a fresh keypair. It is slow; call it once per actor, off
// the request path.
func Generate(bits int) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("error generating key: %w", err)
	}
	return &Key{pub: &priv.PublicKey, priv: priv}, nil
}

// FromPublicKey wraps an existing RSA public key.
func FromPublicKey(pub *rsa.PublicKey) *Key {
	return &Key{pub: pub}
}

// Parse reads the "RSA.mod.exp[.d]" form.
func Parse(s string) (*Key, error) {
	m := keyPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: expected RSA.modulus.exponent[.private]", ErrMalformedKey)
	}
	n, err := decodeInt(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrMalformedKey, err)
	}
	e, err := decodeInt(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %v", ErrMalformedKey, err)
	}
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("%w: unusable modulus or exponent", ErrMalformedKey)
	}
	pub := &rsa.PublicKey{N: n, E: int(e.Int64())}
	if m[3] == "" {
		return &Key{pub: pub}, nil
	}

	d, err := decodeInt(m[3])
	if err != nil {
		return nil, fmt.Errorf("%w: private exponent: %v", ErrMalformedKey, err)
	}
	priv, err := privateFromExponents(pub, d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return &Key{pub: pub, priv: priv}, nil
}

func decodeInt(s string) (*big.Int, error) {
	b, err := DecodeBase64URL(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty value")
	}
	return new(big.Int).SetBytes(b), nil
}

// String is the storage form, including the private exponent when present.
func (k *Key) String() string {
	s := k.PublicString()
	if k.priv != nil {
		s += "." + EncodeBase64URL(k.priv.D.Bytes())
	}
	return s
}

// PublicString is the form published in discovery documents.
func (k *Key) PublicString() string {
	return "RSA." + EncodeBase64URL(k.pub.N.Bytes()) + "." + EncodeBase64URL(exponentBytes(k.pub.E))
}

func (k *Key) Public() *Key {
	return &Key{pub: k.pub}
}

func (k *Key) HasPrivate() bool {
	return k.priv != nil
}

func (k *Key) PublicKey() *rsa.PublicKey {
	return k.pub
}

func (k *Key) Algorithm() string {
	return AlgRSASHA256
}

// Fingerprint is the hex SHA-256 of the standard-base64 encoding of the public
// key written with standard base64 components. Deployed peers compare this
// exact value, so it differs deliberately from the URL-safe storage form.
func (k *Key) Fingerprint() string {
	plain := "RSA." + base64.StdEncoding.EncodeToString(k.pub.N.Bytes()) +
		"." + base64.StdEncoding.EncodeToString(exponentBytes(k.pub.E))
	sum := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString([]byte(plain))))
	return hex.EncodeToString(sum[:])
}

// Sign returns the base64url PKCS#1 v1.5 SHA-256 signature of data.
func (k *Key) Sign(data []byte) (string, error) {
	if k.priv == nil {
		return "", fmt.Errorf("%w: no private key loaded", ErrSigning)
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(nil, k.priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return EncodeBase64URL(sig), nil
}

// Verify reports whether sig is a valid signature of data. A mismatch is not
// an error; only an undecodable signature is.
func (k *Key) Verify(data []byte, sig string) (bool, error) {
	raw, err := DecodeBase64URL(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(k.pub, crypto.SHA256, digest[:], raw) == nil, nil
}

func exponentBytes(e int) []byte {
	return big.NewInt(int64(e)).Bytes()
}
