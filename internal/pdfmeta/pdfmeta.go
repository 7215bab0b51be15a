// Package pdfmeta reads the page count of PDF files.
package pdfmeta

import (
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// ErrNoPages is returned for documents whose page tree is empty.
var ErrNoPages = errors.New("pdf has no pages")

// PageCount returns the number of pages in the PDF at path.
func PageCount(path string) (n int, err error) {
	// The parser panics on some malformed objects.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("read pdf %q: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf %q: %w", path, err)
	}
	defer f.Close()

	n = r.NumPage()
	if n <= 0 {
		return 0, fmt.Errorf("%q: %w", path, ErrNoPages)
	}
	return n, nil
}
