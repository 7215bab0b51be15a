package epub

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Element is a single tag produced by a Scanner.
type Element struct {
	// Name is the lower-cased local name with any namespace prefix removed
	// ("dc:title" becomes "title").
	Name string

	// Attrs maps lower-cased local attribute names to unescaped values.
	// When the same local name appears twice the first occurrence wins.
	Attrs map[string]string

	// End is true for closing tags.
	End bool

	// SelfClosing is true for <tag/> forms.
	SelfClosing bool
}

// Attr returns the value of the named attribute and whether it was present.
func (e Element) Attr(name string) (string, bool) {
	v, ok := e.Attrs[name]
	return v, ok
}

// ElementSource yields elements in document order.
type ElementSource interface {
	NextElement() (Element, bool)
}

// Scanner is a permissive streaming tag scanner over XML or XHTML input.
// It does not validate structure; malformed markup yields whatever tags the
// tokenizer can recover.
type Scanner struct {
	z        *html.Tokenizer
	lastOpen string
	done     bool
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{z: html.NewTokenizer(r)}
}

// NewStringScanner returns a Scanner over s.
func NewStringScanner(s string) *Scanner {
	return NewScanner(strings.NewReader(s))
}

// NextElement returns the next start, end, or self-closing tag. The second
// result is false once the input is exhausted or unreadable.
func (s *Scanner) NextElement() (Element, bool) {
	if s.done {
		return Element{}, false
	}
	for {
		switch s.z.Next() {
		case html.ErrorToken:
			s.done = true
			return Element{}, false
		case html.StartTagToken:
			el := toElement(s.z.Token(), false, false)
			s.lastOpen = el.Name
			return el, true
		case html.SelfClosingTagToken:
			// <title/> or <script/> would otherwise switch the tokenizer to
			// raw text and swallow the rest of the document.
			s.z.NextIsNotRawText()
			s.lastOpen = ""
			return toElement(s.z.Token(), false, true), true
		case html.EndTagToken:
			s.lastOpen = ""
			return toElement(s.z.Token(), true, false), true
		}
	}
}

// InnerText consumes input up to the end tag matching the start element
// just returned by NextElement and returns its whitespace-collapsed text.
// It returns "" when the previous element was not a start tag.
func (s *Scanner) InnerText() string {
	name := s.lastOpen
	s.lastOpen = ""
	if s.done || name == "" {
		return ""
	}
	nested := 0
	var b strings.Builder
	for {
		switch s.z.Next() {
		case html.ErrorToken:
			s.done = true
			return collapseSpace(b.String())
		case html.TextToken:
			b.Write(s.z.Text())
			b.WriteByte(' ')
		case html.StartTagToken:
			if tn, _ := s.z.TagName(); localName(string(tn)) == name {
				nested++
			}
		case html.EndTagToken:
			if tn, _ := s.z.TagName(); localName(string(tn)) == name {
				if nested == 0 {
					return collapseSpace(b.String())
				}
				nested--
			}
		}
	}
}

func toElement(tok html.Token, end, selfClosing bool) Element {
	el := Element{
		Name:        localName(tok.Data),
		End:         end,
		SelfClosing: selfClosing,
	}
	if len(tok.Attr) > 0 {
		el.Attrs = make(map[string]string, len(tok.Attr))
		for _, a := range tok.Attr {
			key := localName(a.Key)
			if _, seen := el.Attrs[key]; !seen {
				el.Attrs[key] = a.Val
			}
		}
	}
	return el
}

func localName(name string) string {
	name = strings.ToLower(name)
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
