// SPDX-License-Identifier: MIT

// Package secrets stores indexer and download-client credentials encrypted at
// rest. Values are sealed with AES-256-GCM under a key derived from the boot
// passphrase via scrypt, and persisted in the state database.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/scrypt"
)

// ErrNotFound is returned when the named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// scrypt parameters: interactive-login strength, per the library's guidance.
const (
	scryptN    = 1 << 15
	scryptR    = 8
	scryptP    = 1
	keyLen     = 32
	saltDomain = "fetchd.secrets.v1" // domain separation for the derivation salt
)

// Box seals and opens named secrets against the secrets table.
type Box struct {
	db   *sql.DB
	aead cipher.AEAD
}

// Open derives the sealing key from passphrase and binds the box to db.
// The salt is fixed per install domain so the same passphrase always derives
// the same key; uniqueness comes from per-value nonces.
func Open(db *sql.DB, passphrase []byte) (*Box, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("secrets: empty passphrase")
	}
	salt := sha256.Sum256([]byte(saltDomain))
	key, err := scrypt.Key(passphrase, salt[:], scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("secrets: key derivation: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return &Box{db: db, aead: aead}, nil
}

// Put seals and upserts the named secret.
func (b *Box) Put(ctx context.Context, name string, value []byte) error {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("secrets: nonce: %w", err)
	}
	// The name is bound as additional data so ciphertexts cannot be swapped
	// between rows.
	ciphertext := b.aead.Seal(nil, nonce, value, []byte(name))

	_, err := b.db.ExecContext(ctx, `
	INSERT INTO secrets (name, nonce, ciphertext, updated_at_ms)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		nonce = excluded.nonce,
		ciphertext = excluded.ciphertext,
		updated_at_ms = excluded.updated_at_ms`,
		name, nonce, ciphertext, time.Now().UnixMilli())
	return err
}

// Get opens the named secret.
func (b *Box) Get(ctx context.Context, name string) ([]byte, error) {
	var nonce, ciphertext []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT nonce, ciphertext FROM secrets WHERE name = ?`, name).Scan(&nonce, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	value, err := b.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("secrets: open %q: %w", name, err)
	}
	return value, nil
}

// Delete removes the named secret.
func (b *Box) Delete(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the stored secret names, never the values.
func (b *Box) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
