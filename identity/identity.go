// Package identity owns the stable device identity shared by both
// connection roles: a device id plus an ed25519 keypair. The keypair is
// generated on first use and sealed at rest with ChaCha20-Poly1305
// under a key derived from a local secret, so a copied identity file is
// useless without the secret.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Domain separation for the sealing key derivation. Distinct from any
// other HKDF use of the same local secret.
const sealingDomain = "gatewaylink-identity-v1"

// Delimiter joining the canonical signing payload fields.
const payloadDelimiter = "|"

// Signing payload version tags. v2 is used when the server issued a
// challenge nonce, v1 for the older nonce-less scheme. The branch is
// keyed solely on nonce presence, independent of the negotiated
// protocol version.
const (
	PayloadV1 = "v1"
	PayloadV2 = "v2"
)

var (
	ErrSealedEnvelope = errors.New("invalid sealed identity envelope")
	ErrUnsealFailed   = errors.New("identity unseal failed")
)

// Device is a loaded device identity. The private key never leaves
// this package; callers sign through Sign.
type Device struct {
	ID      string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// sealedEnvelope is the CBOR on-disk format of the identity file.
type sealedEnvelope struct {
	Version    int    `cbor:"v"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ct"`
}

// identityBlob is the plaintext sealed inside the envelope.
type identityBlob struct {
	DeviceID string `cbor:"device_id"`
	Seed     []byte `cbor:"seed"`
}

// Load reads the sealed identity at path, creating a fresh identity if
// the file does not exist yet. The secret is the local sealing secret;
// it must be stable across restarts for the identity to survive.
func Load(path string, secret []byte) (*Device, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("sealing secret must not be empty")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		dev, err := generate()
		if err != nil {
			return nil, err
		}
		if err := save(path, secret, dev); err != nil {
			return nil, err
		}
		log.Info().Str("device_id", dev.ID).Msg("Generated new device identity")
		return dev, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	return unseal(data, secret)
}

// generate creates a fresh device identity.
func generate() (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device keypair: %w", err)
	}
	return &Device{
		ID:      uuid.NewString(),
		private: priv,
		public:  pub,
	}, nil
}

// save seals the identity and writes it to path with owner-only
// permissions.
func save(path string, secret []byte, dev *Device) error {
	blob, err := cbor.Marshal(identityBlob{
		DeviceID: dev.ID,
		Seed:     dev.private.Seed(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveSealingKey(secret))
	if err != nil {
		return fmt.Errorf("failed to create sealing cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate sealing nonce: %w", err)
	}

	envelope, err := cbor.Marshal(sealedEnvelope{
		Version:    1,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, blob, nil),
	})
	if err != nil {
		return fmt.Errorf("failed to encode sealed envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, envelope, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// unseal decrypts a sealed identity file.
func unseal(data, secret []byte) (*Device, error) {
	var envelope sealedEnvelope
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedEnvelope, err)
	}
	if envelope.Version != 1 || len(envelope.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrSealedEnvelope
	}

	aead, err := chacha20poly1305.New(deriveSealingKey(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to create sealing cipher: %w", err)
	}

	blob, err := aead.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}

	var id identityBlob
	if err := cbor.Unmarshal(blob, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedEnvelope, err)
	}
	if len(id.Seed) != ed25519.SeedSize {
		return nil, ErrSealedEnvelope
	}

	priv := ed25519.NewKeyFromSeed(id.Seed)
	return &Device{
		ID:      id.DeviceID,
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// deriveSealingKey derives the 32-byte sealing key from the local
// secret via HKDF-SHA256.
func deriveSealingKey(secret []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(sealingDomain))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF cannot fail for a 32-byte read.
		panic(fmt.Sprintf("hkdf read failed: %v", err))
	}
	return key
}

// PublicKey returns the base64 encoding of the device public key, as
// sent in the connect request.
func (d *Device) PublicKey() string {
	return base64.StdEncoding.EncodeToString(d.public)
}

// Sign signs payload with the device private key and returns the
// base64 signature.
func (d *Device) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(d.private, payload))
}

// SigningPayload builds the canonical byte string signed during the
// connect handshake. Fields are joined with a fixed delimiter; scopes
// are comma-joined. The version tag is v2 when a challenge nonce is
// present, v1 otherwise.
func SigningPayload(deviceID, clientID, mode, role string, scopes []string, signedAt, token, nonce string) []byte {
	version := PayloadV1
	fields := []string{
		"", // version placeholder
		deviceID,
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		signedAt,
		token,
	}
	if nonce != "" {
		version = PayloadV2
		fields = append(fields, nonce)
	}
	fields[0] = version
	return []byte(strings.Join(fields, payloadDelimiter))
}

// Verify checks a signature produced by Sign against a base64 public
// key. Used by tests and by gateway-side tooling.
func Verify(publicKeyB64 string, payload []byte, signatureB64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}
