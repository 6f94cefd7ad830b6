package filter_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WKHAllen/hoard/internal/filter"
)

// buildTree creates:
//
//	data/a.txt
//	data/b.tmp
//	data/sub/c.txt
//	data/sub/skip/d.txt
//	data/link -> a.txt
func buildTree(t *testing.T, root string) string {
	t.Helper()
	data := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(data, "sub", "skip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "b.tmp"), []byte("bbb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "sub", "c.txt"), []byte("ccc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "sub", "skip", "d.txt"), []byte("ddd"), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(data, "link")))
	return data
}

func collect(t *testing.T, sel *filter.Selection) []filter.Entry {
	t.Helper()
	var got []filter.Entry
	err := sel.Walk(context.Background(), func(e filter.Entry) error {
		got = append(got, e)
		return nil
	}, nil)
	require.NoError(t, err)
	return got
}

func paths(entries []filter.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestWalkDeterministicOrder(t *testing.T) {
	data := buildTree(t, t.TempDir())

	sel, err := filter.NewSelection([]string{data}, nil, filter.Options{})
	require.NoError(t, err)

	got := collect(t, sel)
	assert.Equal(t, []string{
		"data",
		"data/a.txt",
		"data/b.tmp",
		"data/link",
		"data/sub",
		"data/sub/c.txt",
		"data/sub/skip",
		"data/sub/skip/d.txt",
	}, paths(got))

	// Symlink recorded, not followed.
	assert.Equal(t, filter.Symlink, got[3].Type)
	assert.Equal(t, "a.txt", got[3].LinkTarget)
}

func TestWalkExcludeGlob(t *testing.T) {
	data := buildTree(t, t.TempDir())

	sel, err := filter.NewSelection([]string{data}, []string{"*.tmp"}, filter.Options{})
	require.NoError(t, err)

	got := paths(collect(t, sel))
	assert.NotContains(t, got, "data/b.tmp")
	assert.Contains(t, got, "data/a.txt")
}

func TestWalkDirExclusionPrunesSubtree(t *testing.T) {
	data := buildTree(t, t.TempDir())

	sel, err := filter.NewSelection([]string{data}, []string{"skip/"}, filter.Options{})
	require.NoError(t, err)

	got := paths(collect(t, sel))
	assert.NotContains(t, got, "data/sub/skip")
	assert.NotContains(t, got, "data/sub/skip/d.txt")
	assert.Contains(t, got, "data/sub/c.txt")
}

func TestWalkMultipleRootsInOrder(t *testing.T) {
	tmp := t.TempDir()
	data := buildTree(t, tmp)
	other := filepath.Join(tmp, "other")
	require.NoError(t, os.MkdirAll(other, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(other, "z.txt"), []byte("zzz"), 0o644))

	sel, err := filter.NewSelection([]string{other, data}, nil, filter.Options{})
	require.NoError(t, err)

	got := paths(collect(t, sel))
	require.NotEmpty(t, got)
	// Roots are visited in the order supplied.
	assert.Equal(t, "other", got[0])
	assert.Equal(t, "other/z.txt", got[1])
	assert.Equal(t, "data", got[2])
}

func TestWalkMissingRootSkipsAndContinues(t *testing.T) {
	tmp := t.TempDir()
	data := buildTree(t, tmp)
	missing := filepath.Join(tmp, "gone")

	sel, err := filter.NewSelection([]string{missing, data}, nil, filter.Options{})
	require.NoError(t, err)

	var skippedPaths []string
	var got []filter.Entry
	err = sel.Walk(context.Background(), func(e filter.Entry) error {
		got = append(got, e)
		return nil
	}, func(path string, err error) {
		skippedPaths = append(skippedPaths, path)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{missing}, skippedPaths)
	assert.NotEmpty(t, got)
}

func TestWalkFileRoot(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "single.txt")
	require.NoError(t, os.WriteFile(file, []byte("solo"), 0o644))

	sel, err := filter.NewSelection([]string{file}, nil, filter.Options{})
	require.NoError(t, err)

	got := collect(t, sel)
	require.Len(t, got, 1)
	assert.Equal(t, "single.txt", got[0].Path)
	assert.Equal(t, filter.Regular, got[0].Type)
	assert.Equal(t, int64(4), got[0].Size)
}

func TestSelectionRejectsNestedRoots(t *testing.T) {
	data := buildTree(t, t.TempDir())

	_, err := filter.NewSelection([]string{data, filepath.Join(data, "sub")}, nil, filter.Options{})
	assert.Error(t, err)
}

func TestSelectionRejectsDuplicateNames(t *testing.T) {
	tmp := t.TempDir()
	a := filepath.Join(tmp, "x", "data")
	b := filepath.Join(tmp, "y", "data")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))

	_, err := filter.NewSelection([]string{a, b}, nil, filter.Options{})
	assert.Error(t, err)
}

func TestSelectionRejectsBadGlob(t *testing.T) {
	tmp := t.TempDir()
	_, err := filter.NewSelection([]string{tmp}, []string{"[unclosed"}, filter.Options{})
	// An unclosed class is treated literally, so this compiles fine.
	require.NoError(t, err)
}
