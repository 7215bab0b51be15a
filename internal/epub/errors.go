package epub

import "fmt"

// ErrorKind classifies why an archive could not be turned into a chapter list.
// Every kind is terminal: the input is malformed or inaccessible, so callers
// must not retry.
type ErrorKind int

const (
	KindAccessDenied ErrorKind = iota + 1
	KindCorrupt
	KindMissingContainer
	KindMissingOPF
	KindNoSpineItems
)

func (k ErrorKind) String() string {
	switch k {
	case KindAccessDenied:
		return "access denied"
	case KindCorrupt:
		return "corrupt archive"
	case KindMissingContainer:
		return "missing container"
	case KindMissingOPF:
		return "missing opf"
	case KindNoSpineItems:
		return "no spine items"
	default:
		return "unknown"
	}
}

// Error is returned by PrepareChapters.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

// Sentinels for errors.Is; only Kind is compared.
var (
	ErrAccessDenied     = &Error{Kind: KindAccessDenied}
	ErrCorrupt          = &Error{Kind: KindCorrupt}
	ErrMissingContainer = &Error{Kind: KindMissingContainer}
	ErrMissingOPF       = &Error{Kind: KindMissingOPF}
	ErrNoSpineItems     = &Error{Kind: KindNoSpineItems}
)

func (e *Error) Error() string {
	msg := "epub: " + e.Kind.String()
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}
