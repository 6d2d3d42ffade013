package archive

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	day := time.Date(2024, 3, 7, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("out", "zips", "feed_20240307.zip"), Path("out", "feed", day))
}

func TestPackRoundTrip(t *testing.T) {
	src := t.TempDir()
	page := strings.Repeat("<section class=\"entry\">hello</section>\n", 500)
	require.NoError(t, os.WriteFile(filepath.Join(src, "feed_1.html"), []byte(page), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "feed_2.html"), []byte("two"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "login"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "login", "login.html"), []byte("login"), 0o644))

	dst := filepath.Join(t.TempDir(), "zips", "feed_20240307.zip")
	res, err := Pack(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, dst, res.Path)
	assert.Less(t, res.Bytes, int64(len(page)))

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == "feed_1.html" {
			rc, err := f.Open()
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, page, string(got))
			assert.Equal(t, zip.Deflate, f.Method)
		}
	}
	sort.Strings(names)
	assert.Equal(t, []string{"feed_1.html", "feed_2.html", "login/login.html"}, names)
}

func TestPackReplacesExisting(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.html"), []byte("a"), 0o644))
	dst := filepath.Join(t.TempDir(), "x.zip")
	require.NoError(t, os.WriteFile(dst, []byte("stale"), 0o644))

	res, err := Pack(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	zr.Close()
}

func TestPackMissingDir(t *testing.T) {
	_, err := Pack(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "x.zip"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_FAILED")
}
