package prefill

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/cachewarden/cachewarden/types"
)

const (
	credentialKeySize = 32
	gcmNonceSize      = 12
	gcmTagSize        = 16
)

// EncryptedCredential is the sealed answer to a credential challenge.
// All binary fields are base64 encoded.
type EncryptedCredential struct {
	ChallengeID         string `json:"challengeId"`
	ClientPublicKey     string `json:"clientPublicKey"`
	EncryptedCredential string `json:"encryptedCredential"`
	Nonce               string `json:"nonce"`
	Tag                 string `json:"tag"`
}

// Parameters renders the payload as daemon request parameters.
func (e *EncryptedCredential) Parameters() map[string]any {
	return map[string]any{
		"challengeId":         e.ChallengeID,
		"clientPublicKey":     e.ClientPublicKey,
		"encryptedCredential": e.EncryptedCredential,
		"nonce":               e.Nonce,
		"tag":                 e.Tag,
	}
}

// EncryptCredential seals a credential for the daemon that issued the
// challenge. Each call generates a fresh P-256 key pair; the private key
// never leaves this function and nothing about the plaintext is logged.
// The ECDH shared secret is stretched with HKDF-SHA256 using the
// challenge ID as salt and the service-specific info string, then the
// credential is sealed with AES-256-GCM under a random 12-byte nonce.
// The info string binds the key to one service so a captured exchange
// cannot be replayed against another daemon.
func EncryptCredential(serverPublicKey, challengeID, hkdfInfo, credential string) (*EncryptedCredential, error) {
	serverKeyBytes, err := base64.StdEncoding.DecodeString(serverPublicKey)
	if err != nil {
		return nil, types.WrapError(types.KindProtocol, err, "server public key is not valid base64")
	}

	curve := ecdh.P256()
	serverKey, err := curve.NewPublicKey(serverKeyBytes)
	if err != nil {
		return nil, types.WrapError(types.KindProtocol, err, "server public key is not a valid P-256 point")
	}

	clientKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, types.WrapError(types.KindUnknown, err, "failed to generate client key pair")
	}

	shared, err := clientKey.ECDH(serverKey)
	if err != nil {
		return nil, types.WrapError(types.KindProtocol, err, "key agreement failed")
	}

	key := make([]byte, credentialKeySize)
	kdf := hkdf.New(sha256.New, shared, []byte(challengeID), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, types.WrapError(types.KindUnknown, err, "key derivation failed")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, types.WrapError(types.KindUnknown, err, "failed to initialize cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, types.WrapError(types.KindUnknown, err, "failed to initialize GCM")
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, types.WrapError(types.KindUnknown, err, "failed to generate nonce")
	}

	// Seal appends the 16-byte auth tag to the ciphertext. The daemon
	// protocol carries the tag as its own field.
	sealed := gcm.Seal(nil, nonce, []byte(credential), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &EncryptedCredential{
		ChallengeID:         challengeID,
		ClientPublicKey:     base64.StdEncoding.EncodeToString(clientKey.PublicKey().Bytes()),
		EncryptedCredential: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:               base64.StdEncoding.EncodeToString(nonce),
		Tag:                 base64.StdEncoding.EncodeToString(tag),
	}, nil
}
