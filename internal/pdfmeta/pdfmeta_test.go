package pdfmeta_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banux/shelfsync/internal/catalogtest"
	"github.com/banux/shelfsync/internal/pdfmeta"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestPageCount(t *testing.T) {
	for _, pages := range []int{1, 7} {
		n, err := pdfmeta.PageCount(writeFile(t, "doc.pdf", catalogtest.PDF(pages)))
		require.NoError(t, err)
		assert.Equal(t, pages, n)
	}
}

func TestPageCount_NotAPDF(t *testing.T) {
	_, err := pdfmeta.PageCount(writeFile(t, "junk.pdf", []byte("this is not a pdf at all")))
	assert.Error(t, err)
}

func TestPageCount_Missing(t *testing.T) {
	_, err := pdfmeta.PageCount(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.Error(t, err)
}
