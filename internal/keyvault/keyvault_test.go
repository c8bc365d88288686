package keyvault

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]struct {
		wrapped []byte
		version int
	}
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]struct {
		wrapped []byte
		version int
	})}
}

func (m *memStore) GetWrappedDEK(_ context.Context, orgID string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[orgID]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return r.wrapped, r.version, nil
}

func (m *memStore) PutWrappedDEK(_ context.Context, orgID string, wrapped []byte, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[orgID] = struct {
		wrapped []byte
		version int
	}{wrapped, version}
	return nil
}

func randomMasterKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"), newMemStore())
	require.Error(t, err)
}

func TestGetOrCreateGeneratesAndPersists(t *testing.T) {
	store := newMemStore()
	v, err := New(randomMasterKey(t), store)
	require.NoError(t, err)

	dek, err := v.GetOrCreate(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, dek, 32)

	_, version, err := store.GetWrappedDEK(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, 1, version)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := newMemStore()
	v, err := New(randomMasterKey(t), store)
	require.NoError(t, err)

	dek1, err := v.GetOrCreate(context.Background(), "org-1")
	require.NoError(t, err)
	dek2, err := v.GetOrCreate(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, dek1, dek2)
}

func TestGetFailsWhenAbsent(t *testing.T) {
	v, err := New(randomMasterKey(t), newMemStore())
	require.NoError(t, err)

	_, err = v.Get(context.Background(), "org-unknown")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUnwrapUsesFreshVaultInstance(t *testing.T) {
	store := newMemStore()
	masterKey := randomMasterKey(t)
	v1, err := New(masterKey, store)
	require.NoError(t, err)

	dek, err := v1.GetOrCreate(context.Background(), "org-1")
	require.NoError(t, err)

	v2, err := New(masterKey, store)
	require.NoError(t, err)
	dek2, err := v2.Get(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, dek, dek2)
}

func TestInvalidateCacheForcesReread(t *testing.T) {
	store := newMemStore()
	v, err := New(randomMasterKey(t), store)
	require.NoError(t, err)

	dek, err := v.GetOrCreate(context.Background(), "org-1")
	require.NoError(t, err)
	v.InvalidateCache()
	dek2, err := v.Get(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, dek, dek2)
}

func TestDifferentOrgsGetDifferentDEKs(t *testing.T) {
	store := newMemStore()
	v, err := New(randomMasterKey(t), store)
	require.NoError(t, err)

	a, err := v.GetOrCreate(context.Background(), "org-a")
	require.NoError(t, err)
	b, err := v.GetOrCreate(context.Background(), "org-b")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
