package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabdoc/docsync/pkg/models"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func paragraph(text string) models.ContentTree {
	return models.NewContent(models.Block{ID: "b1", Type: "paragraph", Data: models.JSONMap{"text": text}})
}

func testCache(t *testing.T, c Cache, clk *clock) {
	ctx := context.Background()

	e, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, e, "miss")

	require.NoError(t, c.Put(ctx, 1, paragraph("hello")))
	e, err = c.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, models.DocumentID(1), e.DocumentID)
	assert.True(t, paragraph("hello").Equal(e.Content), e.Content.Diff(paragraph("hello")))
	assert.True(t, clk.now.Equal(e.SavedAt))

	require.NoError(t, c.Put(ctx, 1, paragraph("again")))
	e, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, paragraph("again").Equal(e.Content))

	clk.now = clk.now.Add(23 * time.Hour)
	require.NoError(t, c.Touch(ctx, 1))

	clk.now = clk.now.Add(23 * time.Hour)
	e, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, e, "touch extends the lifetime")

	clk.now = clk.now.Add(25 * time.Hour)
	e, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, e, "expired after 24h")

	require.NoError(t, c.Put(ctx, 2, paragraph("x")))
	require.NoError(t, c.Delete(ctx, 2))
	e, err = c.Get(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, c.Touch(ctx, 3), "touching a missing entry is a no-op")
}

func TestMemory(t *testing.T) {
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.Now = clk.Now
	testCache(t, m, clk)
	require.NoError(t, m.Close())
}

func TestMemoryZeroValue(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		m := &Memory{}
		require.NoError(t, m.Put(context.Background(), 1, paragraph("a")))

		e, err := m.Get(context.Background(), 1)
		require.NoError(t, err)
		require.NotNil(t, e, "the default lifetime applies")
		assert.Equal(t, "a", e.Content.Blocks[0].Data["text"])
	})

	t.Run("with a clock", func(t *testing.T) {
		clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		testCache(t, &Memory{Now: clk.Now}, clk)
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put(context.Background(), 1, paragraph("a")))

	e, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	e.Content.Blocks[0].Data["text"] = "mutated"

	again, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Content.Blocks[0].Data["text"])
}

func TestSQLite(t *testing.T) {
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	s.Now = clk.Now
	testCache(t, s, clk)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite3")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, 5, paragraph("durable")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Get(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "durable", e.Content.Blocks[0].Data["text"])
}
