// internal/crypto/crypto.go
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Clarinet signing suite
//
// - RSA-PSS over SHA-256 digests, salt length equal to the hash
// - Sign(data) == SignDigest(SHA-256(data)), so a signature over encoded parts
//   can be checked either against the parts or against their hash
// - SHA3-256 is used only for identifier derivation
// -----------------------------------------------------------------------------

const (
	DefaultRSABits = 3072
	MinRSABits     = 2048

	// Algorithm names a key type on the wire.
	Algorithm     = "RSA-PSS-SHA256"
	HashAlgorithm = "SHA-256"
	DigestSize    = sha256.Size
)

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func SHA256(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// Hash applies the named algorithm. Only SHA-256 is supported.
func Hash(algorithm string, msg []byte) ([]byte, error) {
	if !strings.EqualFold(algorithm, HashAlgorithm) && !strings.EqualFold(algorithm, "SHA256") {
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	return SHA256(msg), nil
}

// -----------------------------------------------------------------------------
// RSA-PSS
// -----------------------------------------------------------------------------

func GenKeypair(bits int) ([]byte, []byte, error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	if bits < MinRSABits {
		return nil, nil, fmt.Errorf("rsa key too small: %d bits", bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return pubDER, privDER, nil
}

func Sign(priv []byte, data []byte) ([]byte, error) {
	return SignDigest(priv, SHA256(data))
}

func SignDigest(priv []byte, digest []byte) ([]byte, error) {
	if len(digest) != DigestSize {
		return nil, errors.New("bad digest size")
	}
	key, err := ParseRSAPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest, pssOptions)
}

func Verify(pub []byte, data []byte, sig []byte) bool {
	return VerifyDigest(pub, SHA256(data), sig)
}

func VerifyDigest(pub []byte, digest []byte, sig []byte) bool {
	if len(digest) != DigestSize || len(sig) == 0 {
		return false
	}
	key, err := ParseRSAPublicKey(pub)
	if err != nil {
		return false
	}
	return rsa.VerifyPSS(key, crypto.SHA256, digest, sig, pssOptions) == nil
}

func ParseRSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rsaKey, nil
}

func ParseRSAPrivateKey(priv []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not rsa private key")
	}
	return rsaKey, nil
}

func IsRSAPublicKey(pub []byte) bool {
	_, err := ParseRSAPublicKey(pub)
	return err == nil
}

// PublicFromPrivate re-derives the PKIX public key of a PKCS8 private key.
func PublicFromPrivate(priv []byte) ([]byte, error) {
	key, err := ParseRSAPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(&key.PublicKey)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}

// LoadOrCreateKeypair loads the keypair under dir, generating and saving one on first use.
func LoadOrCreateKeypair(dir string, bits int) ([]byte, []byte, error) {
	pub, priv, err := LoadKeypair(dir)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err = GenKeypair(bits)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
