package client

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	storeMachineID = strings.Repeat("ab", 32)
	otherMachineID = strings.Repeat("cd", 32)
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "license.enc")
	store, err := NewStore(path, storeMachineID)
	require.NoError(t, err)
	return store, path
}

func TestStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Set(KeyUserEmail, "user@example.com"))
	require.NoError(t, store.Set(KeyAuthToken, "tok.abc.def"))

	email, err := store.Get(KeyUserEmail)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", email)

	tok, err := store.Get(KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "tok.abc.def", tok)
}

func TestStoreSurvivesReopen(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Set(KeyLicenseData, `{"status":"trial"}`))

	reopened, err := NewStore(path, storeMachineID)
	require.NoError(t, err)

	value, err := reopened.Get(KeyLicenseData)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"trial"}`, value)
}

func TestStoreFailsClosedOnForeignMachine(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Set(KeyAuthToken, "secret-token"))

	foreign, err := NewStore(path, otherMachineID)
	require.NoError(t, err, "opening does not touch the file")

	_, err = foreign.Get(KeyAuthToken)
	assert.Error(t, err, "wrong fingerprint cannot decrypt")
}

func TestStoreMissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStoreDeleteAndClear(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Set(KeyUserEmail, "a@example.com"))
	require.NoError(t, store.Set(KeyMachineID, storeMachineID))

	require.NoError(t, store.Delete(KeyUserEmail))
	_, err := store.Get(KeyUserEmail)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Delete("absent"), "deleting an absent key is fine")

	require.NoError(t, store.Clear())
	_, err = store.Get(KeyMachineID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStoreFileIsEncryptedAndPrivate(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Set(KeyUserEmail, "user@example.com"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "user@example.com", "plaintext never hits disk")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
