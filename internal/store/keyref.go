package store

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/l0p7/resilcache/internal/config"
)

const (
	keyRefFile   = "keyref.json"
	saltSize     = 32
	ephemeralRef = "ephemeral"
)

// KeyRef is persisted next to the data. It names where the secret comes from,
// carries the HKDF salt and a value sealed with the derived key; it never
// contains key material.
type KeyRef struct {
	Source    string    `json:"source"`
	Salt      string    `json:"salt"`
	KDF       string    `json:"kdf"`
	Cipher    string    `json:"cipher"`
	Check     string    `json:"check,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const keyCheckAAD = "keyref/check"

var keyCheckPlaintext = []byte("resilcache key check")

// OpenSealer resolves the configured secret, loads or creates the key
// reference under dir and returns a ready sealer. Without a configured secret
// a random one is generated for this process only and a warning is logged;
// such data cannot be read after a restart.
//
// Data sealed with a configured secret is never handed to a sealer that cannot
// open it: a missing secret, a different secret source or a secret that fails
// the key check returns ErrSecretMismatch and leaves keyref.json untouched.
func OpenSealer(dir string, cfg config.EncryptionConfig, logger *slog.Logger) (*Sealer, KeyRef, error) {
	enclave, source, err := resolveSecret(cfg)
	if err != nil {
		return nil, KeyRef{}, err
	}

	ref, found, err := readKeyRef(dir)
	if err != nil {
		return nil, KeyRef{}, err
	}
	if found {
		if err := ref.admits(source, dir); err != nil {
			return nil, KeyRef{}, err
		}
	} else if ref, err = newKeyRef(source); err != nil {
		return nil, KeyRef{}, err
	}
	if source == ephemeralRef && logger != nil {
		logger.Warn("no encryption secret configured, using an ephemeral key; cached data will not survive restart",
			slog.String("secret_env", cfg.SecretEnv))
	}

	salt, err := base64.StdEncoding.DecodeString(ref.Salt)
	if err != nil {
		return nil, KeyRef{}, fmt.Errorf("store: keyref salt: %w", err)
	}
	sealer, err := newSealerFromEnclave(enclave, salt)
	if err != nil {
		return nil, KeyRef{}, err
	}

	if found && ref.Source == source && source != ephemeralRef && ref.Check != "" {
		if err := ref.verify(sealer); err != nil {
			return nil, KeyRef{}, fmt.Errorf("%w: %s does not open the data under %s", ErrSecretMismatch, source, dir)
		}
		return sealer, ref, nil
	}
	ref.Source = source
	check, err := sealer.Seal(keyCheckAAD, keyCheckPlaintext)
	if err != nil {
		return nil, KeyRef{}, err
	}
	ref.Check = base64.StdEncoding.EncodeToString(check)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, KeyRef{}, fmt.Errorf("store: create %s: %w", dir, err)
		}
		if err := writeKeyRef(filepath.Join(dir, keyRefFile), ref); err != nil {
			return nil, KeyRef{}, err
		}
	}
	return sealer, ref, nil
}

// admits reports whether a secret from source may take over data sealed under
// r. Data sealed with an ephemeral key is unreadable anyway, so any source may
// claim it.
func (r KeyRef) admits(source, dir string) error {
	switch {
	case r.Source == ephemeralRef || r.Source == source:
		return nil
	case source == ephemeralRef:
		return fmt.Errorf("%w: data under %s was sealed with %s, which is not set", ErrSecretMismatch, dir, r.Source)
	default:
		return fmt.Errorf("%w: data under %s was sealed with %s, configured secret is %s", ErrSecretMismatch, dir, r.Source, source)
	}
}

func (r KeyRef) verify(sealer *Sealer) error {
	sealed, err := base64.StdEncoding.DecodeString(r.Check)
	if err != nil {
		return fmt.Errorf("%w: keyref check: %v", ErrCorruption, err)
	}
	plaintext, err := sealer.Open(keyCheckAAD, sealed)
	if err != nil {
		return err
	}
	if !bytes.Equal(plaintext, keyCheckPlaintext) {
		return fmt.Errorf("%w: keyref check mismatch", ErrCorruption)
	}
	return nil
}

func resolveSecret(cfg config.EncryptionConfig) (*memguard.Enclave, string, error) {
	if name := strings.TrimSpace(cfg.SecretEnv); name != "" {
		if value := os.Getenv(name); value != "" {
			return memguard.NewEnclave([]byte(value)), "env:" + name, nil
		}
	}
	if path := strings.TrimSpace(cfg.SecretFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("store: read secret file: %w", err)
		}
		trimmed := []byte(strings.TrimSpace(string(data)))
		memguard.WipeBytes(data)
		if len(trimmed) == 0 {
			return nil, "", fmt.Errorf("store: secret file %s is empty", path)
		}
		return memguard.NewEnclave(trimmed), "file:" + path, nil
	}
	return memguard.NewEnclaveRandom(32), ephemeralRef, nil
}

func readKeyRef(dir string) (KeyRef, bool, error) {
	if dir == "" {
		return KeyRef{}, false, nil
	}
	path := filepath.Join(dir, keyRefFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var ref KeyRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return KeyRef{}, false, fmt.Errorf("store: decode %s: %w", path, err)
		}
		return ref, true, nil
	case errors.Is(err, os.ErrNotExist):
		return KeyRef{}, false, nil
	default:
		return KeyRef{}, false, fmt.Errorf("store: read %s: %w", path, err)
	}
}

func newKeyRef(source string) (KeyRef, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return KeyRef{}, fmt.Errorf("store: salt: %w", err)
	}
	return KeyRef{
		Source:    source,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		KDF:       "hkdf-sha256",
		Cipher:    "xchacha20poly1305",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func writeKeyRef(path string, ref KeyRef) error {
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode keyref: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("store: write keyref: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory, fsyncs it and
// renames it over path, then fsyncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
