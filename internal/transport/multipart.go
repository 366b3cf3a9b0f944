package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/progress"
)

// Multipart uploads through the HTTP endpoint: a single multipart request
// streaming the file, authenticated by a session credential. Unlike the push
// protocol the response carries the identifier directly, as the trailing
// path segment of the returned file URL.
type Multipart struct {
	uploadURL string
	sessionID string
	http      *http.Client
	log       *logrus.Entry
}

// NewMultipart constructs the multipart transport.
func NewMultipart(cfg *config.Config, log *logrus.Logger) *Multipart {
	return &Multipart{
		uploadURL: cfg.MultipartURL,
		sessionID: cfg.MultipartSessionID,
		// Large files over slow links: no overall client timeout, the
		// context bounds the request instead.
		http: &http.Client{Timeout: 0},
		log:  log.WithField("component", "multipart-transport"),
	}
}

// Name implements Uploader.
func (m *Multipart) Name() string { return "http" }

type multipartResponse struct {
	Files []struct {
		Name      string `json:"name"`
		Size      int64  `json:"size"`
		URL       string `json:"url"`
		DeleteURL string `json:"deleteUrl"`
	} `json:"files"`
}

// Upload implements Uploader. The form body is streamed through a pipe so a
// multi-gigabyte file never sits in memory.
func (m *Multipart) Upload(ctx context.Context, spec UploadSpec) (string, error) {
	f, err := os.Open(spec.LocalPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", spec.LocalPath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("files", spec.Name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		meter := progress.NewMeter(f, spec.SizeBytes, spec.Progress)
		if _, err := io.Copy(part, meter); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	endpoint := m.uploadURL + "?sess_id=" + url.QueryEscape(m.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	started := time.Now()
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("multipart upload %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("multipart upload %s: status %d: %s", spec.Name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed multipartResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if len(parsed.Files) == 0 {
		return "", fmt.Errorf("%s: %w", spec.Name, ErrMissingUploadResponse)
	}
	segments := strings.Split(parsed.Files[0].URL, "/")
	code := segments[len(segments)-1]
	m.log.WithFields(logrus.Fields{
		"name":     spec.Name,
		"fileCode": code,
		"took":     time.Since(started).Round(time.Second),
	}).Debug("multipart upload done")
	return code, nil
}
