// Package vault implements the Vault Decryptor external collaborator
// (spec §6): `decrypt(ciphertext_bytes, password_source) -> plaintext_bytes`.
//
// helmfile imports golang.org/x/crypto/ssh/terminal for terminal
// detection (its pkg/config/config.go's `terminal.IsTerminal` call); this
// package leans on the rest of that same x/crypto family —
// ssh/terminal.ReadPassword for the interactive password source, and
// pbkdf2 layered under the standard library's crypto/aes and crypto/cipher
// for the symmetric decryption itself — rather than reaching past the
// dependency the teacher already carries.
package vault

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	rerrors "github.com/adolago/rustible/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ssh/terminal"
)

const (
	saltSize   = 16
	nonceSize  = 12
	pbkdf2Iter = 100000
	keyLen     = 32 // AES-256
)

// PasswordSourceKind selects where the vault password comes from (spec §6:
// "three password sources").
type PasswordSourceKind int

const (
	// SourceString uses a password value supplied directly (e.g. from a
	// CLI flag or environment variable).
	SourceString PasswordSourceKind = iota
	// SourceFile reads the password from the first line of a file.
	SourceFile
	// SourcePrompt reads the password interactively from the terminal.
	SourcePrompt
)

// PasswordSource describes how to obtain the vault password.
type PasswordSource struct {
	Kind  PasswordSourceKind
	Value string // literal password (SourceString) or file path (SourceFile)
}

// Resolve obtains the actual password bytes for a PasswordSource.
func (s PasswordSource) Resolve() (string, error) {
	switch s.Kind {
	case SourceString:
		return s.Value, nil
	case SourceFile:
		data, err := os.ReadFile(s.Value)
		if err != nil {
			return "", rerrors.New(rerrors.KindArgument, "", "", "vault", "reading vault password file", err)
		}
		line := strings.SplitN(string(data), "\n", 2)[0]
		return strings.TrimRight(line, "\r"), nil
	case SourcePrompt:
		fmt.Fprint(os.Stderr, "Vault password: ")
		pw, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", rerrors.New(rerrors.KindArgument, "", "", "vault", "reading vault password from terminal", err)
		}
		return string(pw), nil
	default:
		return "", rerrors.New(rerrors.KindArgument, "", "", "vault", "unknown vault password source", nil)
	}
}

// PromptReader is the signature of a line-reading password prompt.
// PasswordSource has no field of this type: SourcePrompt always reads
// through terminal.ReadPassword on stdin.
type PromptReader func(r io.Reader) (string, error)

// ReadLine is a PromptReader that returns the first line of r. Resolve
// does not call it; SourcePrompt reads from the terminal even when stdin
// is not a terminal.
func ReadLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", nil
}

// Decryptor decrypts vault-encrypted payloads. The on-disk format is
// `salt(16) || nonce(12) || ciphertext`, with the key derived from the
// password via PBKDF2-SHA256.
type Decryptor struct{}

func New() *Decryptor { return &Decryptor{} }

// Decrypt implements `decrypt(ciphertext_bytes, password_source) ->
// plaintext_bytes`.
func (d *Decryptor) Decrypt(ciphertext []byte, src PasswordSource) ([]byte, error) {
	password, err := src.Resolve()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < saltSize+nonceSize {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "ciphertext too short to contain salt and nonce", nil)
	}
	salt := ciphertext[:saltSize]
	nonce := ciphertext[saltSize : saltSize+nonceSize]
	body := ciphertext[saltSize+nonceSize:]

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iter, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "constructing AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "constructing AES-GCM", err)
	}
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "decrypting vault payload: wrong password or corrupt data", err)
	}
	return plaintext, nil
}

// Encrypt is the inverse operation, used by the `vault encrypt` CLI
// subcommand (spec §6).
func (d *Decryptor) Encrypt(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(crand.Reader, salt); err != nil {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "generating salt", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iter, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "constructing AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "constructing AES-GCM", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(crand.Reader, nonce); err != nil {
		return nil, rerrors.New(rerrors.KindArgument, "", "", "vault", "generating nonce", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	var out bytes.Buffer
	out.Write(salt)
	out.Write(nonce)
	out.Write(sealed)
	return out.Bytes(), nil
}
