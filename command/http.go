package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"collabtext/notesync/document"
	"collabtext/notesync/protocol"
)

// HTTPClient talks to the authority's REST routes.
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient returns a client for the authority at baseURL. A nil
// httpClient means http.DefaultClient.
func NewHTTPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("authority url %q: unsupported scheme", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{baseURL: u, http: httpClient, logger: logger}, nil
}

func (c *HTTPClient) FetchDocument(ctx context.Context, docID string) (document.Document, error) {
	var doc document.Document
	status, err := c.do(ctx, http.MethodGet, protocol.NotePath(docID), nil, &doc)
	if err != nil {
		return document.Document{}, fmt.Errorf("fetch %s: %w: %v", docID, ErrTransport, err)
	}
	switch {
	case status == http.StatusNotFound:
		return document.Document{}, fmt.Errorf("fetch %s: %w", docID, ErrNotFound)
	case status != http.StatusOK:
		return document.Document{}, fmt.Errorf("fetch %s: %w: status %d", docID, ErrTransport, status)
	}
	return doc, nil
}

func (c *HTTPClient) RenameDocument(ctx context.Context, docID, title string, expectedDocVersion int) Outcome {
	req := protocol.UpdateNoteRequest{Title: title, NoteVersion: protocol.IntPtr(expectedDocVersion)}
	var resp protocol.NoteVersionResponse
	status, err := c.do(ctx, http.MethodPut, protocol.NotePath(docID), req, &resp)
	return c.outcome("rename_document", docID, status, err, func() Outcome {
		return Accept(resp.NoteVersion)
	})
}

func (c *HTTPClient) AddBlock(ctx context.Context, docID, data, kind string, position, expectedDocVersion int) Outcome {
	req := protocol.AddContentRequest{
		Type:        kind,
		Data:        data,
		Index:       protocol.IntPtr(position),
		NoteVersion: protocol.IntPtr(expectedDocVersion),
	}
	var resp protocol.AddContentResponse
	status, err := c.do(ctx, http.MethodPost, protocol.ContentsPath(docID), req, &resp)
	return c.outcome("add_block", docID, status, err, func() Outcome {
		if resp.ID == "" {
			return Fail(fmt.Errorf("add block: response without id"))
		}
		o := Accept(resp.NoteVersion)
		o.CreatedID = resp.ID
		return o
	})
}

func (c *HTTPClient) UpdateBlock(ctx context.Context, docID, blockID, data string, expectedBlockVersion int) Outcome {
	req := protocol.UpdateContentRequest{Data: data, ContentVersion: protocol.IntPtr(expectedBlockVersion)}
	var resp protocol.UpdateContentResponse
	status, err := c.do(ctx, http.MethodPut, protocol.ContentPath(docID, blockID), req, &resp)
	return c.outcome("update_block", blockID, status, err, func() Outcome {
		return Accept(resp.ContentVersion)
	})
}

func (c *HTTPClient) DeleteBlock(ctx context.Context, docID, blockID string, expectedDocVersion, expectedBlockVersion int) Outcome {
	req := protocol.DeleteContentRequest{
		ContentVersion: protocol.IntPtr(expectedBlockVersion),
		NoteVersion:    protocol.IntPtr(expectedDocVersion),
	}
	var resp protocol.NoteVersionResponse
	status, err := c.do(ctx, http.MethodDelete, protocol.ContentPath(docID, blockID), req, &resp)
	return c.outcome("delete_block", blockID, status, err, func() Outcome {
		return Accept(resp.NoteVersion)
	})
}

// outcome classifies a finished round trip. A 404 means the entity is gone
// on the authority, which is as stale as a version mismatch.
func (c *HTTPClient) outcome(op, id string, status int, err error, accepted func() Outcome) Outcome {
	var o Outcome
	switch {
	case err != nil:
		o = Fail(err)
	case status == http.StatusConflict, status == http.StatusNotFound:
		o = Reject()
	case status >= 200 && status < 300:
		o = accepted()
	default:
		o = Fail(fmt.Errorf("unexpected status %d", status))
	}
	if o.Accepted() {
		c.logger.Debug("command accepted", "op", op, "id", id, "version", o.NewVersion)
	} else {
		c.logger.Warn("command not accepted", "op", op, "id", id, "status", o.Status.String(), "err", o.Cause)
	}
	return o
}

// do sends body as JSON and decodes a 2xx reply into out. The returned error
// is only set when no usable reply was obtained.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, r)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
