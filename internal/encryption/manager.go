// Package encryption protects the profile fields that never leave
// storage in the clear. Each value is sealed with AES-GCM under its own
// data key; the data key is wrapped by KMS when a key is configured, or
// kept beside the value in development.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"

	"github.com/joshuamckenty/anthill/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedData is the stored envelope: the sealed value, the wrapped
// data key needed to open it, and enough metadata to route the unwrap.
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Purpose        string    `json:"purpose,omitempty"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// EncryptionManager seals and opens field envelopes. Unwrapped data
// keys are cached so reading a page of profiles does not hit KMS once
// per row.
type EncryptionManager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // wrapped DEK (base64) -> plaintext DEK
}

type dataKey struct {
	plaintext []byte
	wrapped   []byte
	keyID     string
}

func NewEncryptionManager(cfg *config.Config, kmsClient *kms.Client) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// EncryptField seals plaintext under a fresh data key. The purpose
// string is bound into the KMS encryption context, so an envelope
// wrapped for one field class cannot be unwrapped as another.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	key, err := em.generateDataKey(ctx, purpose)
	if err != nil {
		return nil, err
	}

	sealed, err := seal(key.plaintext, []byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	wrapped := base64.StdEncoding.EncodeToString(key.wrapped)
	em.keyCache.Store(wrapped, key.plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(sealed),
		EncryptedDEK:   wrapped,
		KeyID:          key.keyID,
		Purpose:        purpose,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField opens an envelope, unwrapping its data key through KMS
// (or the local fallback) on a cache miss.
func (em *EncryptionManager) DecryptField(ctx context.Context, enc *EncryptedData) (string, error) {
	if cached, ok := em.keyCache.Load(enc.EncryptedDEK); ok {
		return open(cached.([]byte), enc.EncryptedValue)
	}

	key, err := em.unwrapDataKey(ctx, enc)
	if err != nil {
		return "", err
	}
	em.keyCache.Store(enc.EncryptedDEK, key)

	return open(key, enc.EncryptedValue)
}

func (em *EncryptionManager) generateDataKey(ctx context.Context, purpose string) (*dataKey, error) {
	if !em.config.KMS.Enabled {
		return em.localDataKey()
	}

	out, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(em.config.KMS.KeyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: map[string]string{"purpose": purpose},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		plaintext: out.Plaintext,
		wrapped:   out.CiphertextBlob,
		keyID:     em.config.KMS.KeyID,
	}, nil
}

// localDataKey stands in when no KMS key is configured: the "wrapped"
// form is just base64 of the key itself. Development only.
func (em *EncryptionManager) localDataKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return &dataKey{
		plaintext: key,
		wrapped:   []byte(base64.StdEncoding.EncodeToString(key)),
		keyID:     uuid.New().String(),
	}, nil
}

func (em *EncryptionManager) unwrapDataKey(ctx context.Context, enc *EncryptedData) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(enc.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	if !em.config.KMS.Enabled {
		// Local envelopes wrap the key as base64, so decoding is the unwrap.
		return blob, nil
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if enc.Purpose != "" {
		input.EncryptionContext = map[string]string{"purpose": enc.Purpose}
	}
	out, err := em.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}
	return out.Plaintext, nil
}

// seal encrypts plaintext with AES-GCM, nonce prepended.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal.
func open(key []byte, encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// ClearCache drops every cached data key.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

// GetCacheSize reports how many data keys are cached.
func (em *EncryptionManager) GetCacheSize() int {
	n := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
