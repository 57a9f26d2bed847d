package heirloom

import (
	"fmt"
	"time"
)

// SecretCategory classifies a secret for display purposes only.
type SecretCategory string

const (
	CategoryPassword SecretCategory = "password"
	CategoryNote     SecretCategory = "note"
	CategoryDocument SecretCategory = "document"
)

func (c SecretCategory) valid() bool {
	switch c {
	case "", CategoryPassword, CategoryNote, CategoryDocument:
		return true
	}
	return false
}

// Secret is a stored credential. Username, Password and Notes are ciphertext
// produced by the client; the vault stores and returns them untouched.
type Secret struct {
	ID           SecretID       `json:"id"`
	Owner        Identity       `json:"owner"`
	DateCreated  time.Time      `json:"date_created"`
	DateModified time.Time      `json:"date_modified"`
	Category     SecretCategory `json:"category,omitempty"`
	Name         string         `json:"name,omitempty"`
	Username     []byte         `json:"encrypted_username,omitempty"`
	Password     []byte         `json:"encrypted_password,omitempty"`
	URL          string         `json:"url,omitempty"`
	Notes        []byte         `json:"encrypted_notes,omitempty"`
}

func (s Secret) clone() Secret {
	s.Username = cloneBytes(s.Username)
	s.Password = cloneBytes(s.Password)
	s.Notes = cloneBytes(s.Notes)
	return s
}

func (s Secret) validate() error {
	if s.ID != "" {
		if err := validateIdentifier("secret id", string(s.ID)); err != nil {
			return err
		}
	}
	if !s.Category.valid() {
		return fmt.Errorf("unknown secret category %q: %w", s.Category, ErrInvalidArgument)
	}
	return nil
}

func (s Secret) listEntry() SecretListEntry {
	return SecretListEntry{
		ID:           s.ID,
		Category:     s.Category,
		Name:         s.Name,
		DateCreated:  s.DateCreated,
		DateModified: s.DateModified,
	}
}

// SecretDecryptionMaterial is a secret's symmetric key wrapped for one
// recipient, along with the per-field nonces needed to open the secret's
// ciphertext fields once the key is recovered.
type SecretDecryptionMaterial struct {
	EncryptedDecryptionKey  []byte `json:"encrypted_decryption_key"`
	IV                      []byte `json:"iv"`
	UsernameDecryptionNonce []byte `json:"username_decryption_nonce,omitempty"`
	PasswordDecryptionNonce []byte `json:"password_decryption_nonce,omitempty"`
	NotesDecryptionNonce    []byte `json:"notes_decryption_nonce,omitempty"`
}

func (m SecretDecryptionMaterial) clone() SecretDecryptionMaterial {
	return SecretDecryptionMaterial{
		EncryptedDecryptionKey:  cloneBytes(m.EncryptedDecryptionKey),
		IV:                      cloneBytes(m.IV),
		UsernameDecryptionNonce: cloneBytes(m.UsernameDecryptionNonce),
		PasswordDecryptionNonce: cloneBytes(m.PasswordDecryptionNonce),
		NotesDecryptionNonce:    cloneBytes(m.NotesDecryptionNonce),
	}
}

func (m SecretDecryptionMaterial) validate() error {
	if len(m.EncryptedDecryptionKey) == 0 {
		return fmt.Errorf("encrypted decryption key is required: %w", ErrInvalidArgument)
	}
	if len(m.IV) == 0 {
		return fmt.Errorf("decryption key iv is required: %w", ErrInvalidArgument)
	}
	return nil
}

// withKey returns a copy carrying a freshly wrapped key and the original
// field nonces.
func (m SecretDecryptionMaterial) withKey(ciphertext, iv []byte) SecretDecryptionMaterial {
	out := m.clone()
	out.EncryptedDecryptionKey = ciphertext
	out.IV = iv
	return out
}

// SecretListEntry is the listing form of a secret: identity and display
// metadata only, never ciphertext or key material.
type SecretListEntry struct {
	ID           SecretID       `json:"id"`
	Category     SecretCategory `json:"category,omitempty"`
	Name         string         `json:"name,omitempty"`
	DateCreated  time.Time      `json:"date_created"`
	DateModified time.Time      `json:"date_modified"`
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
