package statsdb

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Encrypted backup layout:
//
//	magic      5 bytes  "AWGB\x01"
//	salt       32 bytes Argon2id salt
//	nonce      12 bytes AES-256-GCM nonce
//	ciphertext rest     sealed database image with its 16-byte tag
var backupMagic = []byte("AWGB\x01")

const (
	saltSize  = 32
	nonceSize = 12
)

// ErrWrongPassword is returned when an encrypted backup fails authentication.
var ErrWrongPassword = errors.New("statsdb: backup decryption failed, wrong password?")

// Backup writes a consistent copy of the database to w. The copy is taken
// with VACUUM INTO, so it is safe while the exporter keeps writing.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	dir, err := os.MkdirTemp("", "awg-exporter-backup-")
	if err != nil {
		return fmt.Errorf("statsdb: backup temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "stats.db")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return fmt.Errorf("statsdb: vacuum into: %w", err)
	}

	f, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("statsdb: open backup: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("statsdb: write backup: %w", err)
	}
	return nil
}

func backupKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
}

func backupAEAD(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(backupKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("statsdb: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("statsdb: gcm: %w", err)
	}
	return gcm, nil
}

// EncryptBackup seals a database image with a key derived from password.
func EncryptBackup(image []byte, password string) ([]byte, error) {
	header := make([]byte, len(backupMagic)+saltSize+nonceSize)
	copy(header, backupMagic)
	salt := header[len(backupMagic) : len(backupMagic)+saltSize]
	nonce := header[len(backupMagic)+saltSize:]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("statsdb: generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("statsdb: generate nonce: %w", err)
	}

	gcm, err := backupAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(header, nonce, image, nil), nil
}

// DecryptBackup opens a backup produced by EncryptBackup.
func DecryptBackup(data []byte, password string) ([]byte, error) {
	header := len(backupMagic) + saltSize + nonceSize
	if !IsEncryptedBackup(data) || len(data) < header {
		return nil, fmt.Errorf("statsdb: not an encrypted backup")
	}
	salt := data[len(backupMagic) : len(backupMagic)+saltSize]
	nonce := data[len(backupMagic)+saltSize : header]

	gcm, err := backupAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	image, err := gcm.Open(nil, nonce, data[header:], nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return image, nil
}

// IsEncryptedBackup reports whether data starts with the encrypted backup header.
func IsEncryptedBackup(data []byte) bool {
	return bytes.HasPrefix(data, backupMagic)
}

// RestoreFile writes a backup (plain or encrypted) to dst, replacing any
// existing database there. The exporter must not be running against dst.
func RestoreFile(data []byte, password, dst string) error {
	image := data
	if IsEncryptedBackup(data) {
		if password == "" {
			return fmt.Errorf("statsdb: backup is encrypted, password required")
		}
		var err error
		if image, err = DecryptBackup(data, password); err != nil {
			return err
		}
	}
	if !bytes.HasPrefix(image, []byte("SQLite format 3\x00")) {
		return fmt.Errorf("statsdb: restore: not a SQLite database")
	}

	tmp := dst + ".restore"
	if err := os.WriteFile(tmp, image, 0o600); err != nil {
		return fmt.Errorf("statsdb: restore: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dst + suffix)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statsdb: restore: %w", err)
	}
	return nil
}
