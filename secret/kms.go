package secret

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// Decrypter unwraps an encrypted secret.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KMSDecrypter decrypts secrets with a Cloud KMS symmetric key.
type KMSDecrypter struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSDecrypter creates a Cloud KMS client for keyName
// (projects/*/locations/*/keyRings/*/cryptoKeys/*).
func NewKMSDecrypter(ctx context.Context, keyName string) (*KMSDecrypter, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return &KMSDecrypter{client: client, keyName: keyName}, nil
}

// Decrypt decrypts ciphertext with the configured key.
func (d *KMSDecrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := d.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       d.keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

// Close closes the KMS client.
func (d *KMSDecrypter) Close() error {
	return d.client.Close()
}

// Unwrap decodes a base64 ciphertext, decrypts it with d, and seals the
// plaintext into a Key.
func Unwrap(ctx context.Context, d Decrypter, ciphertextB64 string) (*Key, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return nil, fmt.Errorf("decoding secret ciphertext: %w", err)
	}
	plaintext, err := d.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, err
	}
	return New(plaintext)
}
