// Package remote implements the HTTP client for the cloud storage API: the
// folder tree, per-file operations and the account endpoint. Every response
// is wrapped in the same envelope; statusCode zero means success.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Envelope status codes used by the API.
const (
	statusOK = 0
	// statusPathNotFound is the benign "no such folder" answer to a folder
	// lookup; it is not surfaced as an error.
	statusPathNotFound = 14
	// StatusTemporarilyUnavailable is the retryable per-file code in bulk
	// file info responses.
	StatusTemporarilyUnavailable = 25
)

// InboxPath is the fixed folder the push transport delivers into.
const InboxPath = "//FTP"

// Client talks to the remote storage API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Client. baseURL is the API root without a trailing
// slash.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

// AccountInfo is the account status answer.
type AccountInfo struct {
	Login         string `json:"login"`
	Email         string `json:"email"`
	PremiumExpire string `json:"premium_expire"`
}

// ExpireDate parses the account expiry timestamp.
func (a AccountInfo) ExpireDate() (time.Time, error) {
	return time.Parse("2006-01-02 15:04:05", a.PremiumExpire)
}

// RemoteFile is one entry in a folder listing.
type RemoteFile struct {
	FileName string `json:"file_name"`
	FileCode string `json:"file_code"`
}

// FileInfo is one entry of a bulk file info answer. A nil Error means the
// file exists and is readable.
type FileInfo struct {
	FileCode string         `json:"file_code"`
	Error    *FileInfoError `json:"error,omitempty"`
}

// FileInfoError is the per-file error of a bulk info answer.
type FileInfoError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Temporary reports whether the entry failed with the retryable code.
func (f FileInfo) Temporary() bool {
	return f.Error != nil && f.Error.Code == StatusTemporarilyUnavailable
}

// Missing reports whether the remote no longer serves this file.
func (f FileInfo) Missing() bool {
	return f.Error != nil && f.Error.Code != StatusTemporarilyUnavailable
}

// GetAccountInfo fetches the account status, used to warn about upcoming
// subscription expiry before a run.
func (c *Client) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	var out AccountInfo
	if err := c.get(ctx, "account", "/account", nil, &out); err != nil {
		return AccountInfo{}, err
	}
	return out, nil
}

// FindFileInInbox looks for a file by exact name in the push transport inbox
// and returns its code, or "" when the name has not appeared yet.
func (c *Client) FindFileInInbox(ctx context.Context, name string) (string, error) {
	var data struct {
		Path  string       `json:"path"`
		Files []RemoteFile `json:"files"`
	}
	params := url.Values{
		"path":    {InboxPath},
		"limit":   {"100"},
		"orderBy": {"file_name"},
	}
	if err := c.get(ctx, "list inbox", "/files", params, &data); err != nil {
		return "", err
	}
	for _, f := range data.Files {
		if f.FileName == name {
			return f.FileCode, nil
		}
	}
	return "", nil
}

// FindFolder returns the id of the folder at the given absolute path, or
// zero when no folder exists there. "Not found" is an answer, not an error.
func (c *Client) FindFolder(ctx context.Context, remotePath string) (int64, error) {
	var data struct {
		Path          string `json:"path"`
		CurrentFolder struct {
			FolderID int64 `json:"fld_id"`
		} `json:"currentFolder"`
	}
	params := url.Values{
		"path":  {remotePath},
		"limit": {"1"},
	}
	err := c.get(ctx, "find folder", "/files", params, &data)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == statusPathNotFound {
			return 0, nil
		}
		return 0, err
	}
	return data.CurrentFolder.FolderID, nil
}

// CreateFolder creates a single folder. The parent path must already exist;
// the resolver walks the tree to guarantee that.
func (c *Client) CreateFolder(ctx context.Context, remotePath string) error {
	parent := parentPath(remotePath)
	body := map[string]any{
		"path": parent,
		"name": baseName(remotePath),
	}
	return c.send(ctx, "create folder", http.MethodPut, "/folders", body, nil)
}

// SetFilePrivate turns off the public link of an uploaded file.
func (c *Client) SetFilePrivate(ctx context.Context, fileCode string) error {
	body := map[string]any{
		"file_code": fileCode,
		"public":    0,
	}
	return c.send(ctx, "set private", http.MethodPatch, "/files", body, nil)
}

// MoveFile moves an uploaded file into the destination folder.
func (c *Client) MoveFile(ctx context.Context, fileCode string, folderID int64) error {
	body := map[string]any{
		"action":             "move",
		"file_codes":         fileCode,
		"destination_fld_id": folderID,
	}
	return c.send(ctx, "move file", http.MethodPatch, "/files", body, nil)
}

// FileInfos queries existence/metadata for up to 100 file codes at once.
func (c *Client) FileInfos(ctx context.Context, fileCodes []string) ([]FileInfo, error) {
	var data struct {
		List []FileInfo `json:"list"`
	}
	params := url.Values{
		"fileCodes": {strings.Join(fileCodes, ",")},
	}
	if err := c.get(ctx, "file infos", "/files/info", params, &data); err != nil {
		return nil, err
	}
	return data.List, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("token", c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(op, req, out)
}

func (c *Client) send(ctx context.Context, op, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method,
		c.baseURL+path+"?token="+url.QueryEscape(c.token), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Context: string(raw)}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", op, err)
	}
	if env.StatusCode != statusOK {
		return &APIError{Op: op, StatusCode: env.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", op, err)
		}
	}
	return nil
}

func parentPath(remotePath string) string {
	idx := strings.LastIndex(remotePath, "/")
	if idx <= 0 {
		return "/"
	}
	return remotePath[:idx]
}

func baseName(remotePath string) string {
	idx := strings.LastIndex(remotePath, "/")
	return remotePath[idx+1:]
}
