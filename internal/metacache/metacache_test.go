package metacache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

func dirEntry(p string) webdav.Entry {
	return webdav.Entry{Path: davpath.Dir(p), IsDir: true, ContentLength: -1, QuotaUsed: -1, QuotaAvailable: -1}
}

func fileEntry(p string, size int64) webdav.Entry {
	return webdav.Entry{Path: davpath.File(p), ContentLength: size, ETag: `"` + p + `"`, QuotaUsed: -1, QuotaAvailable: -1}
}

func seeded(t *testing.T) *Cache {
	t.Helper()

	c := New(nil)
	require.NoError(t, c.Store(&webdav.Listing{
		Self:     dirEntry("/"),
		Children: []webdav.Entry{dirEntry("/docs"), fileEntry("/top.txt", 3)},
	}))
	require.NoError(t, c.Store(&webdav.Listing{
		Self:     dirEntry("/docs"),
		Children: []webdav.Entry{fileEntry("/docs/a.txt", 10), dirEntry("/docs/sub")},
	}))
	require.NoError(t, c.Store(&webdav.Listing{
		Self:     dirEntry("/docs/sub"),
		Children: []webdav.Entry{fileEntry("/docs/sub/deep.bin", 99)},
	}))

	return c
}

func TestLookup(t *testing.T) {
	c := seeded(t)

	tests := []struct {
		name  string
		path  davpath.Path
		found bool
		size  int64
	}{
		{"listed directory self", davpath.Dir("/docs"), true, -1},
		{"listed directory in file form", davpath.File("/docs"), true, -1},
		{"file via parent", davpath.File("/docs/a.txt"), true, 10},
		{"root", davpath.Root(), true, -1},
		{"missing child", davpath.File("/docs/nope"), false, 0},
		{"parent not listed", davpath.File("/other/x"), false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := c.Lookup(tt.path)
			assert.Equal(t, tt.found, ok)

			if ok {
				assert.Equal(t, tt.size, e.ContentLength)
			}
		})
	}
}

func TestLookup_UnlistedChildDirectoryIsNotServed(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Store(&webdav.Listing{
		Self:     dirEntry("/"),
		Children: []webdav.Entry{dirEntry("/photos")},
	}))

	_, ok := c.Lookup(davpath.Dir("/photos"))
	assert.False(t, ok, "a directory is only known through its own listing")
}

func TestStore_RequiresDirectory(t *testing.T) {
	c := New(nil)

	err := c.Store(&webdav.Listing{Self: fileEntry("/f", 1)})
	require.Error(t, err)
	assert.Zero(t, c.Len())
}

func TestStore_ReplacesListing(t *testing.T) {
	c := seeded(t)

	require.NoError(t, c.Store(&webdav.Listing{
		Self:     dirEntry("/docs"),
		Children: []webdav.Entry{fileEntry("/docs/b.txt", 1)},
	}))

	children, ok := c.Children(davpath.Dir("/docs"))
	require.True(t, ok)
	require.Len(t, children, 1)
	assert.Equal(t, "/docs/b.txt", children[0].Path.String())

	_, ok = c.Lookup(davpath.File("/docs/a.txt"))
	assert.False(t, ok)
}

func TestChildren_Sorted(t *testing.T) {
	c := seeded(t)

	children, ok := c.Children(davpath.Root())
	require.True(t, ok)
	require.Len(t, children, 2)
	assert.Equal(t, "/docs/", children[0].Path.String())
	assert.Equal(t, "/top.txt", children[1].Path.String())

	_, ok = c.Children(davpath.Dir("/never"))
	assert.False(t, ok)
}

func TestPut(t *testing.T) {
	c := seeded(t)

	c.Put(fileEntry("/docs/new.txt", 5))
	e, ok := c.Lookup(davpath.File("/docs/new.txt"))
	require.True(t, ok)
	assert.Equal(t, int64(5), e.ContentLength)

	c.Put(fileEntry("/unlisted/x", 1))
	_, ok = c.Lookup(davpath.File("/unlisted/x"))
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := seeded(t)

	c.Invalidate(davpath.File("/docs/a.txt"))
	_, ok := c.Lookup(davpath.File("/docs/a.txt"))
	assert.False(t, ok)

	c.Invalidate(davpath.Dir("/docs/sub"))
	_, ok = c.Children(davpath.Dir("/docs/sub"))
	assert.False(t, ok)

	children, _ := c.Children(davpath.Dir("/docs"))
	assert.Empty(t, children)
}

func TestInvalidateTree(t *testing.T) {
	c := seeded(t)

	c.InvalidateTree(davpath.Dir("/docs"))
	assert.Equal(t, 1, c.Len())

	_, ok := c.Lookup(davpath.File("/docs/sub/deep.bin"))
	assert.False(t, ok)

	children, ok := c.Children(davpath.Root())
	require.True(t, ok)
	require.Len(t, children, 1)
	assert.Equal(t, "/top.txt", children[0].Path.String())
}

func TestInvalidateTree_RootDropsEverything(t *testing.T) {
	c := seeded(t)

	c.InvalidateTree(davpath.Root())
	assert.Zero(t, c.Len())
}

func TestInvalidateTree_SiblingPrefixSurvives(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Store(&webdav.Listing{Self: dirEntry("/doc")}))
	require.NoError(t, c.Store(&webdav.Listing{Self: dirEntry("/docs")}))

	c.InvalidateTree(davpath.Dir("/doc"))

	_, ok := c.Children(davpath.Dir("/docs"))
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	c := seeded(t)

	c.Clear()
	assert.Zero(t, c.Len())

	_, ok := c.Lookup(davpath.Root())
	assert.False(t, ok)
}
