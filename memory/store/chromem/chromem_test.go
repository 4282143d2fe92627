package chromem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/storetest"
)

func TestStore_InMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) memory.Store {
		s, err := chromem.New(storetest.Dimensions)
		require.NoError(t, err)
		return s
	})
}

func TestStore_Persistent(t *testing.T) {
	storetest.Run(t, func(t *testing.T) memory.Store {
		s, err := chromem.Open(chromem.Config{Path: t.TempDir(), Dimensions: storetest.Dimensions})
		require.NoError(t, err)
		return s
	})
}

func TestStore_ReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := chromem.Config{Path: dir, Compress: true, Dimensions: storetest.Dimensions}

	s, err := chromem.Open(cfg)
	require.NoError(t, err)
	rec := storetest.NewRecord(t, "Remember: user is allergic to peanuts", memory.TypeImportantInfo, 1.0)
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Close())

	reopened, err := chromem.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, memory.TypeImportantInfo, got.Type)
}

func TestStore_RejectsWrongDimensions(t *testing.T) {
	s, err := chromem.New(8)
	require.NoError(t, err)

	rec := memory.NewRecord("x", memory.TypeOther, 0.4, nil)
	rec.Embedding = []float32{1, 0}
	assert.Error(t, s.Put(context.Background(), rec))

	_, err = chromem.New(0)
	assert.Error(t, err)
}
