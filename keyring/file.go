package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/yllada/vpnctl/common"
)

const keyInfo = common.AppName + " credentials v1"

// FileBackend keeps secrets in an AES-GCM encrypted JSON file. The key is
// derived from machine identity, so the file is useless on another host or
// for another user.
type FileBackend struct {
	mu   sync.Mutex
	path string
	key  []byte
	data map[string]string
}

// NewFileBackend loads the store at path with the machine derived key.
func NewFileBackend(path string) (*FileBackend, error) {
	hostname, _ := os.Hostname()
	secret := fmt.Sprintf("%s-%s-%d", common.AppName, machineID(), os.Getuid())
	key, err := deriveKey([]byte(secret), []byte(hostname))
	if err != nil {
		return nil, err
	}
	return NewFileBackendWithKey(path, key)
}

// NewFileBackendWithKey loads the store at path with a caller supplied
// 32 byte key.
func NewFileBackendWithKey(path string, key []byte) (*FileBackend, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes", common.ErrEncryption)
	}
	b := &FileBackend{path: path, key: key, data: make(map[string]string)}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func deriveKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	return key, nil
}

func machineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}

// Set implements Backend.
func (b *FileBackend) Set(key, secret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = secret
	return b.save()
}

// Get implements Backend.
func (b *FileBackend) Get(key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return v, nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}

func (b *FileBackend) load() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	plain, err := b.decrypt(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, &b.data); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return nil
}

func (b *FileBackend) save() error {
	plain, err := json.Marshal(b.data)
	if err != nil {
		return err
	}
	enc, err := b.encrypt(plain)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(b.path, enc, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

func (b *FileBackend) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (b *FileBackend) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (b *FileBackend) decrypt(data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	gcm, err := b.gcm()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, errors.New("ciphertext too short"))
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plain, nil
}
