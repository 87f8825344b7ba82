package keyring

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/vpn"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func newFile(t *testing.T, path string, key []byte) *FileBackend {
	t.Helper()
	b, err := NewFileBackendWithKey(path, key)
	require.NoError(t, err)
	return b
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), common.CredentialsFileName)
	b := newFile(t, path, testKey(1))

	require.NoError(t, b.Set("office", "hunter2"))
	require.NoError(t, b.Set("home", "pa ss"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	reopened := newFile(t, path, testKey(1))
	v, err := reopened.Get("office")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	require.NoError(t, reopened.Delete("office"))
	_, err = reopened.Get("office")
	assert.ErrorIs(t, err, common.ErrCredentialsNotFound)
	require.NoError(t, reopened.Delete("office"))
}

func TestFileBackendWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), common.CredentialsFileName)
	require.NoError(t, newFile(t, path, testKey(1)).Set("office", "hunter2"))

	_, err := NewFileBackendWithKey(path, testKey(2))
	assert.ErrorIs(t, err, common.ErrDecryption)
}

func TestFileBackendRejectsShortKey(t *testing.T) {
	_, err := NewFileBackendWithKey(filepath.Join(t.TempDir(), "c"), []byte("short"))
	assert.ErrorIs(t, err, common.ErrEncryption)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := deriveKey([]byte("secret"), []byte("host-a"))
	require.NoError(t, err)
	b, err := deriveKey([]byte("secret"), []byte("host-a"))
	require.NoError(t, err)
	c, err := deriveKey([]byte("secret"), []byte("host-b"))
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestStoreSystemKeyring(t *testing.T) {
	keyring.MockInit()
	file := newFile(t, filepath.Join(t.TempDir(), "c"), testKey(3))
	s := NewStore(systemBackend{service: serviceName}, file)

	require.NoError(t, s.Set("office", "hunter2"))
	assert.True(t, s.Exists("office"))

	// Written to the system keyring only.
	_, err := file.Get("office")
	assert.ErrorIs(t, err, common.ErrCredentialsNotFound)

	require.NoError(t, s.Delete("office"))
	assert.False(t, s.Exists("office"))
}

func TestStoreFallsBackToFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(keyring.MockInit)

	file := newFile(t, filepath.Join(t.TempDir(), "c"), testKey(4))
	s := NewStore(systemBackend{service: serviceName}, file)

	require.NoError(t, s.Set("office", "hunter2"))
	v, err := file.Get("office")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	v, err = s.Get("office")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)
}

func TestStoreValidation(t *testing.T) {
	s := NewStore(nil, newFile(t, filepath.Join(t.TempDir(), "c"), testKey(5)))

	assert.Error(t, s.Set("", "pw"))
	assert.Error(t, s.Set("id", ""))
	_, err := s.Get("")
	assert.Error(t, err)
	assert.Error(t, s.Delete(""))

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, common.ErrCredentialsNotFound)
}

func TestSupplier(t *testing.T) {
	tests := []struct {
		name      string
		stored    string
		prompt    PromptFunc
		remember  bool
		want      string
		wantErr   error
		wantSaved bool
	}{
		{
			name:   "stored password",
			stored: "hunter2",
			want:   "hunter2",
		},
		{
			name:      "prompt and remember",
			prompt:    func(string, vpn.ConnectionType) (string, error) { return "typed", nil },
			remember:  true,
			want:      "typed",
			wantSaved: true,
		},
		{
			name:   "prompt without remember",
			prompt: func(string, vpn.ConnectionType) (string, error) { return "typed", nil },
			want:   "typed",
		},
		{
			name:    "no prompt",
			wantErr: common.ErrCredentialsNotFound,
		},
		{
			name:    "prompt cancelled",
			prompt:  func(string, vpn.ConnectionType) (string, error) { return "", common.ErrCancelled },
			wantErr: common.ErrCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil, newFile(t, filepath.Join(t.TempDir(), "c"), testKey(6)))
			if tt.stored != "" {
				require.NoError(t, s.Set("office", tt.stored))
			}

			creds, err := s.Supplier("office", "alice", tt.prompt, tt.remember).Credentials(vpn.TypeOpenVPN)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", creds.Username)
			assert.Equal(t, tt.want, creds.Secret.String())
			assert.Equal(t, tt.wantSaved || tt.stored != "", s.Exists("office"))
		})
	}
}
