package epub

import (
	"net/url"
	"path"
	"strings"
)

// rootfilePath returns the first full-path attribute value in a container
// document. Any element carrying the attribute is accepted.
func rootfilePath(src ElementSource) (string, bool) {
	for el, ok := src.NextElement(); ok; el, ok = src.NextElement() {
		if el.End {
			continue
		}
		if p, found := el.Attr("full-path"); found && strings.TrimSpace(p) != "" {
			return strings.TrimSpace(p), true
		}
	}
	return "", false
}

// packageDoc is the part of an OPF package needed to build a reading order.
type packageDoc struct {
	// manifest maps item id to href. The first item with a given id wins.
	manifest map[string]string

	// spine holds idrefs in document order.
	spine []string
}

// readPackage collects manifest items and the idrefs inside <spine>.
func readPackage(src ElementSource) packageDoc {
	doc := packageDoc{manifest: make(map[string]string)}
	inSpine := false
	for el, ok := src.NextElement(); ok; el, ok = src.NextElement() {
		if el.Name == "spine" {
			inSpine = !el.End && !el.SelfClosing
			continue
		}
		if el.End {
			continue
		}
		if inSpine {
			if idref, found := el.Attr("idref"); found && idref != "" {
				doc.spine = append(doc.spine, idref)
			}
			continue
		}
		if el.Name == "item" {
			id, _ := el.Attr("id")
			href, _ := el.Attr("href")
			if id == "" || href == "" {
				continue
			}
			if _, dup := doc.manifest[id]; !dup {
				doc.manifest[id] = href
			}
		}
	}
	return doc
}

// readingOrder maps spine idrefs to archive-relative paths in spine order.
// Idrefs without a manifest entry, and hrefs escaping the archive, are skipped.
func readingOrder(doc packageDoc, opfDir string) []string {
	var out []string
	for _, idref := range doc.spine {
		href, ok := doc.manifest[idref]
		if !ok {
			continue
		}
		p, ok := resolveHref(opfDir, href)
		if !ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// resolveHref resolves href against the OPF directory, dropping any fragment
// and percent-encoding. The result is a clean slash-separated path relative
// to the archive root; ok is false when it would leave the archive.
func resolveHref(opfDir, href string) (string, bool) {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if href == "" {
		return "", false
	}
	var p string
	if strings.HasPrefix(href, "/") {
		p = path.Clean(strings.TrimPrefix(href, "/"))
	} else {
		p = path.Clean(path.Join(opfDir, href))
	}
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

// chapterTitle returns the text of the first <title>, falling back to the
// first <h1>. It returns "" when neither yields text.
func chapterTitle(s *Scanner) string {
	var h1 string
	titleSeen := false
	for el, ok := s.NextElement(); ok; el, ok = s.NextElement() {
		if el.End || el.SelfClosing {
			continue
		}
		switch el.Name {
		case "title":
			if titleSeen {
				continue
			}
			titleSeen = true
			if t := s.InnerText(); t != "" {
				return t
			}
		case "h1":
			if h1 == "" {
				h1 = s.InnerText()
			}
		}
	}
	return h1
}
