package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/segmentio/encoding/json"
)

// RemoteBook is the catalog's book record.
type RemoteBook struct {
	ID           ID           `json:"id"`
	Title        string       `json:"title"`
	Author       string       `json:"author,omitempty"`
	FileKey      string       `json:"file_key,omitempty"`
	TotalPages   int          `json:"total_pages,omitempty"`
	CurrentPage  int          `json:"current_page,omitempty"`
	Status       string       `json:"status,omitempty"`
	BookMetadata BookMetadata `json:"book_metadata,omitempty"`
	CreatedAt    Timestamp    `json:"created_at"`
	UpdatedAt    Timestamp    `json:"updated_at"`
}

func (b *RemoteBook) validate() error {
	if b.ID == "" {
		return errors.New("book record without id")
	}
	return nil
}

// synthesize keeps a record whose optional fields failed to decode, as long
// as its id survives.
func (b *RemoteBook) synthesize(fields map[string]any) bool {
	id := idFromAny(fields["id"])
	if id == "" {
		return false
	}
	b.ID = id
	b.Title, _ = fields["title"].(string)
	b.Author, _ = fields["author"].(string)
	b.FileKey, _ = fields["file_key"].(string)
	if n, ok := fields["total_pages"].(float64); ok && n >= 0 {
		b.TotalPages = int(n)
	}
	return true
}

// FileName returns the base name of the stored file, falling back to the
// title when the record carries no file key.
func (b *RemoteBook) FileName() string {
	if b.FileKey != "" {
		key := b.FileKey
		if i := strings.LastIndexByte(key, '/'); i >= 0 {
			key = key[i+1:]
		}
		if key != "" {
			return key
		}
	}
	return b.Title
}

// BookMetadata is the free-form metadata object attached to a record.
type BookMetadata map[string]any

// Extracted reports whether the server finished processing the file.
func (m BookMetadata) Extracted() bool {
	v, _ := m["extracted"].(bool)
	return v
}

// ListBooks returns one page of the catalog.
func (c *Client) ListBooks(ctx context.Context, skip, limit int) ([]RemoteBook, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))
	data, err := c.Send(ctx, http.MethodGet, "/books?"+q.Encode(), nil, false)
	if err != nil {
		return nil, err
	}
	return c.decodeBookList(data)
}

// decodeBookList decodes a bare array, or an object wrapping the array under
// "items" or "books". Records that cannot be decoded even minimally are
// dropped with a warning.
func (c *Client) decodeBookList(data []byte) ([]RemoteBook, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped struct {
			Items []json.RawMessage `json:"items"`
			Books []json.RawMessage `json:"books"`
		}
		if werr := json.Unmarshal(data, &wrapped); werr != nil || (wrapped.Items == nil && wrapped.Books == nil) {
			return nil, &Error{Kind: KindDecodingFailed, Detail: "book list: expected an array", Err: err}
		}
		c.logger.Warn("api schema drift: book list wrapped in an object")
		raw = wrapped.Items
		if raw == nil {
			raw = wrapped.Books
		}
	}

	books := make([]RemoteBook, 0, len(raw))
	for i, item := range raw {
		var b RemoteBook
		if err := c.decode(item, &b, "book list item"); err != nil {
			c.logger.Warn("dropping undecodable book record", "index", i, "error", err)
			continue
		}
		books = append(books, b)
	}
	return books, nil
}

// GetBook returns a single record.
func (c *Client) GetBook(ctx context.Context, id string) (RemoteBook, error) {
	data, err := c.Send(ctx, http.MethodGet, "/books/"+url.PathEscape(id), nil, false)
	if err != nil {
		return RemoteBook{}, err
	}
	var b RemoteBook
	if err := c.decode(data, &b, "book"); err != nil {
		return RemoteBook{}, err
	}
	return b, nil
}

// Upload describes a file to upload.
type Upload struct {
	FileName   string
	Title      string
	Author     string
	TotalPages int
	Content    io.Reader
}

// UploadBook sends the file as multipart form data. The file part's
// Content-Type is sniffed from its first bytes.
func (c *Client) UploadBook(ctx context.Context, u Upload) (RemoteBook, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	head := make([]byte, 3072)
	n, err := io.ReadFull(u.Content, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return RemoteBook{}, fmt.Errorf("read upload %q: %w", u.FileName, err)
	}
	head = head[:n]

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, u.FileName))
	h.Set("Content-Type", mimetype.Detect(head).String())
	part, err := writer.CreatePart(h)
	if err != nil {
		return RemoteBook{}, err
	}
	if _, err := io.Copy(part, io.MultiReader(bytes.NewReader(head), u.Content)); err != nil {
		return RemoteBook{}, fmt.Errorf("read upload %q: %w", u.FileName, err)
	}
	if u.Title != "" {
		_ = writer.WriteField("title", u.Title)
	}
	if u.Author != "" {
		_ = writer.WriteField("author", u.Author)
	}
	if u.TotalPages > 0 {
		_ = writer.WriteField("total_pages", strconv.Itoa(u.TotalPages))
	}
	if err := writer.Close(); err != nil {
		return RemoteBook{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/books/upload", body, writer.FormDataContentType())
	if err != nil {
		return RemoteBook{}, err
	}
	data, err := c.do(req, true)
	if err != nil {
		return RemoteBook{}, err
	}
	var b RemoteBook
	if err := c.decode(data, &b, "uploaded book"); err != nil {
		return RemoteBook{}, err
	}
	return b, nil
}

// UpdateProgress sends the reading position as form fields.
func (c *Client) UpdateProgress(ctx context.Context, id string, currentPage int, status string) (RemoteBook, error) {
	form := url.Values{}
	form.Set("current_page", strconv.Itoa(currentPage))
	form.Set("status", status)
	data, err := c.Send(ctx, http.MethodPut, "/books/"+url.PathEscape(id), form, true)
	if err != nil {
		return RemoteBook{}, err
	}
	var b RemoteBook
	if err := c.decode(data, &b, "updated book"); err != nil {
		return RemoteBook{}, err
	}
	return b, nil
}

type downloadResponse struct {
	DownloadURL string `json:"download_url"`
}

func (d *downloadResponse) validate() error {
	if d.DownloadURL == "" {
		return errors.New("empty download_url")
	}
	return nil
}

// DownloadURL returns a short-lived URL for the book's file.
func (c *Client) DownloadURL(ctx context.Context, id string) (string, error) {
	data, err := c.Send(ctx, http.MethodGet, "/books/download/"+url.PathEscape(id), nil, false)
	if err != nil {
		return "", err
	}
	var resp downloadResponse
	if err := c.decode(data, &resp, "download url"); err != nil {
		return "", err
	}
	return resp.DownloadURL, nil
}

// DeleteBook removes the record. The deleted record in the response body is
// not decoded.
func (c *Client) DeleteBook(ctx context.Context, id string) error {
	_, err := c.Send(ctx, http.MethodDelete, "/books/"+url.PathEscape(id), nil, false)
	return err
}

// Fetch downloads rawURL into w without credentials. Relative URLs resolve
// against the base URL.
func (c *Client) Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil, "")
	if err != nil {
		return 0, err
	}
	data, err := c.do(req, false)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}
