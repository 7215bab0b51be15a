// Package epub extracts reading order and basic metadata from EPUB archives.
//
// PrepareChapters unpacks an archive and resolves container.xml -> OPF ->
// spine into an ordered chapter list using a permissive streaming tag
// scanner. ReadMetadata reads title and author straight from the zip for
// library imports.
package epub

import (
	"archive/zip"
	"errors"
	"path/filepath"
	"strings"
)

// Metadata is the subset of OPF metadata used when importing a book.
type Metadata struct {
	Title  string
	Author string

	// SpineItems is the number of spine entries. It serves as the page
	// estimate until the chapters are extracted.
	SpineItems int
}

// ReadMetadata opens the EPUB at path and returns its OPF title, first
// creator, and spine length without unpacking it. The title falls back to
// the file name.
func ReadMetadata(path string) (Metadata, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Metadata{}, newError(KindCorrupt, path, err)
	}
	defer zr.Close()

	cf, err := zr.Open(containerPath)
	if err != nil {
		return Metadata{}, newError(KindMissingContainer, path, err)
	}
	fullPath, ok := rootfilePath(NewScanner(cf))
	cf.Close()
	if !ok {
		return Metadata{}, newError(KindMissingContainer, path, errors.New("no full-path attribute"))
	}

	opfPath, ok := resolveHref("", fullPath)
	if !ok {
		return Metadata{}, newError(KindMissingOPF, path, errors.New("invalid rootfile path"))
	}
	of, err := zr.Open(opfPath)
	if err != nil {
		return Metadata{}, newError(KindMissingOPF, path, err)
	}
	md := scanMetadata(NewScanner(of))
	of.Close()

	if md.Title == "" {
		md.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return md, nil
}

// scanMetadata collects the first title and creator and counts spine
// itemrefs in an OPF document.
func scanMetadata(s *Scanner) Metadata {
	var md Metadata
	inSpine := false
	for el, ok := s.NextElement(); ok; el, ok = s.NextElement() {
		if el.Name == "spine" {
			inSpine = !el.End && !el.SelfClosing
			continue
		}
		if el.End {
			continue
		}
		if inSpine {
			if idref, found := el.Attr("idref"); found && idref != "" {
				md.SpineItems++
			}
			continue
		}
		if el.SelfClosing {
			continue
		}
		switch el.Name {
		case "title":
			if md.Title == "" {
				md.Title = s.InnerText()
			}
		case "creator":
			if md.Author == "" {
				md.Author = s.InnerText()
			}
		}
	}
	return md
}
