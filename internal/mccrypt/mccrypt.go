// Package mccrypt implements the legacy Minecraft login-encryption primitives:
// a per-process RSA key pair, random verification challenges, the SHA-1
// server-id digest in Java's signed-hex form, and the AES-128-CFB8 stream
// cipher used for encrypted framing.
package mccrypt

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
)

const (
	keyBits       = 1024
	ChallengeSize = 16
	SecretSize    = 16
)

// ErrVerificationFailed is wrapped by every challenge/secret verification
// failure; it always terminates the connection it occurred on.
var ErrVerificationFailed = errors.New("crypto verification failed")

// KeyPair holds the server's lifetime RSA key pair and its DER-encoded public
// key as sent in the encryption request.
type KeyPair struct {
	Private   *rsa.PrivateKey
	PublicDER []byte
}

func GenerateKeyPair() (*KeyPair, error) {
	private, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &KeyPair{Private: private, PublicDER: der}, nil
}

// NewChallenge returns a fresh random verification token.
func NewChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// Decrypt decrypts PKCS#1 v1.5 data sent by the client (the echoed challenge
// and the shared secret).
func (kp *KeyPair) Decrypt(data []byte) ([]byte, error) {
	plain, err := rsa.DecryptPKCS1v15(nil, kp.Private, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return plain, nil
}

// VerifyChallenge decrypts the echoed challenge and checks it matches the one
// issued for this handshake attempt.
func (kp *KeyPair) VerifyChallenge(challenge, encrypted []byte) error {
	echoed, err := kp.Decrypt(encrypted)
	if err != nil {
		return err
	}
	if len(echoed) != len(challenge) {
		return fmt.Errorf("%w: challenge length mismatch", ErrVerificationFailed)
	}
	for i := range challenge {
		if echoed[i] != challenge[i] {
			return fmt.Errorf("%w: challenge mismatch", ErrVerificationFailed)
		}
	}
	return nil
}

// ServerIDDigest computes the server-id hash sent to the session service:
// SHA-1 over serverID + secret + public key DER, rendered the way Java's
// BigInteger(byte[]).toString(16) renders it (signed, minimal hex).
func ServerIDDigest(serverID string, secret, publicDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicDER)
	return javaHex(h.Sum(nil))
}

func javaHex(digest []byte) string {
	v := new(big.Int).SetBytes(digest)
	if len(digest) > 0 && digest[0]&0x80 != 0 {
		// Negative in two's complement.
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(digest)*8)))
	}
	return v.Text(16)
}

// NewCipherPair derives the symmetric stream ciphers for a session from its
// shared secret. Minecraft uses the secret as both key and IV.
func NewCipherPair(secret []byte) (encrypt, decrypt *CFB8, err error) {
	if len(secret) != SecretSize {
		return nil, nil, fmt.Errorf("%w: shared secret must be %d bytes, got %d", ErrVerificationFailed, SecretSize, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, nil, err
	}
	return NewCFB8Encrypter(block, secret), NewCFB8Decrypter(block, secret), nil
}
