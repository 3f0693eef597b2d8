package keymanager_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/keymanager"
	"github.com/nhle/e3mail/internal/oracle"
	"github.com/nhle/e3mail/tests/testutil"
)

func TestAddKeysContinuesPastFailure(t *testing.T) {
	fake := testutil.NewFakeOracle()
	fake.AddErr = map[string]error{"bad": errors.New("unreadable key")}
	m := keymanager.New(fake, zerolog.Nop())

	report := m.AddKeys(context.Background(), &e3.KeyEmail{
		PublicKeys: [][]byte{[]byte("one"), []byte("bad"), []byte("three")},
	})

	assert.Equal(t, keymanager.AddReport{Added: 2, Failed: 1}, report)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("three")}, fake.Added)
}

func TestDeleteKeys(t *testing.T) {
	fake := testutil.NewFakeOracle()
	fake.DeleteErr = map[e3.KeyID]error{2: errors.New("own key")}
	m := keymanager.New(fake, zerolog.Nop())

	n := m.DeleteKeys(context.Background(), &e3.KeyEmail{DeletedKeyIDs: []e3.KeyID{1, 2, 3}})
	assert.Equal(t, 2, n)
	assert.Equal(t, []e3.KeyID{1, 3}, fake.Deleted)

	assert.Zero(t, m.DeleteKeys(context.Background(), &e3.KeyEmail{}))
	assert.Len(t, fake.Deleted, 2)
}

func TestListKnownKeysSwallowsStoreFailure(t *testing.T) {
	fake := testutil.NewFakeOracle()
	fake.Keys[5] = oracle.KeyInfo{ID: 5, Name: "Laptop"}
	m := keymanager.New(fake, zerolog.Nop())

	assert.Equal(t, []oracle.KeyInfo{{ID: 5, Name: "Laptop"}}, m.ListKnownKeys(context.Background()))

	fake.ListErr = errors.New("store offline")
	keys := m.ListKnownKeys(context.Background())
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestExportKeysSkipsMissing(t *testing.T) {
	fake := testutil.NewFakeOracle()
	fake.KeyResults[1] = &oracle.KeyResult{KeyID: 1, Key: []byte("armored"), Identity: "Phone",
		Fingerprint: &oracle.Fingerprint{Hex: "AB"}}
	m := keymanager.New(fake, zerolog.Nop())

	got := m.ExportKeys(context.Background(), []e3.KeyID{1, 2})
	if assert.Len(t, got, 1) {
		assert.Equal(t, "Phone", got[0].Identity)
		assert.NotNil(t, got[0].Fingerprint)
	}
}
