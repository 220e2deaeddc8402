package verifier

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Algorithm names reported in health output.
const (
	AlgEd25519   = "ed25519"
	AlgES256     = "ecdsa-p256-sha256"
	AlgRS256     = "rsa-pkcs1v15-sha256"
	minRSAKeyLen = 2048
)

// ParsePublicKey accepts a PEM "PUBLIC KEY" (PKIX) or "RSA PUBLIC KEY" block,
// an OpenSSH authorized-key line, or a bare base64 Ed25519 key.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("empty public key")
	}

	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		switch block.Type {
		case "PUBLIC KEY":
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKIX public key: %w", err)
			}
			return checkKey(pub)
		case "RSA PUBLIC KEY":
			pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS1 public key: %w", err)
			}
			return checkKey(pub)
		default:
			return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
		}
	}

	if strings.HasPrefix(trimmed, "ssh-") || strings.HasPrefix(trimmed, "ecdsa-") {
		sshPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
		if err != nil {
			return nil, fmt.Errorf("parse authorized key: %w", err)
		}
		cpk, ok := sshPub.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported ssh key type %s", sshPub.Type())
		}
		return checkKey(cpk.CryptoPublicKey())
	}

	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, errors.New("public key is neither PEM, OpenSSH nor base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("raw public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func checkKey(pub crypto.PublicKey) (crypto.PublicKey, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported ECDSA curve %s", k.Curve.Params().Name)
		}
		return k, nil
	case *rsa.PublicKey:
		if k.N.BitLen() < minRSAKeyLen {
			return nil, fmt.Errorf("RSA key too short: %d bits", k.N.BitLen())
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

// Algorithm returns the fixed signature algorithm used with pub.
func Algorithm(pub crypto.PublicKey) string {
	switch pub.(type) {
	case ed25519.PublicKey:
		return AlgEd25519
	case *ecdsa.PublicKey:
		return AlgES256
	case *rsa.PublicKey:
		return AlgRS256
	}
	return ""
}

// Fingerprint is the hex SHA-256 of the PKIX encoding of pub.
func Fingerprint(pub crypto.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// verifyRaw checks sig over message with the algorithm fixed by the key type.
func verifyRaw(pub crypto.PublicKey, message, sig []byte) bool {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return len(sig) == ed25519.SignatureSize && ed25519.Verify(k, message, sig)
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		return ecdsa.VerifyASN1(k, digest[:], sig)
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil
	}
	return false
}

// decodeSignature accepts standard or URL-safe base64, padded or not.
func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return b, nil
		}
	}
	return nil, errors.New("signature is not valid base64")
}
