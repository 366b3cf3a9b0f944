package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/progress"
)

// InboxLookup finds a file by exact name in the push inbox, returning its
// file code or "" while it has not appeared yet.
type InboxLookup interface {
	FindFileInInbox(ctx context.Context, name string) (string, error)
}

// pushConn is the subset of an FTP connection the transport uses.
type pushConn interface {
	Stor(path string, r io.Reader) error
	Quit() error
}

// Push uploads by streaming the file over FTP into the account's fixed inbox
// folder. The protocol returns no identifier, so after the transfer the
// transport polls the inbox listing by exact name until the file shows up or
// the configured timeout elapses.
type Push struct {
	cfg      *config.Config
	inbox    InboxLookup
	registry *Registry
	log      *logrus.Entry

	// dial is swappable in tests.
	dial func(ctx context.Context) (pushConn, error)
}

// NewPush constructs the push transport.
func NewPush(cfg *config.Config, inbox InboxLookup, registry *Registry, log *logrus.Logger) *Push {
	p := &Push{
		cfg:      cfg,
		inbox:    inbox,
		registry: registry,
		log:      log.WithField("component", "push-transport"),
	}
	p.dial = p.dialFTP
	return p
}

// Name implements Uploader.
func (p *Push) Name() string { return "ftp" }

// Upload implements Uploader.
func (p *Push) Upload(ctx context.Context, spec UploadSpec) (string, error) {
	f, err := os.Open(spec.LocalPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", spec.LocalPath, err)
	}
	defer f.Close()

	conn, err := p.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("ftp connect: %w", err)
	}
	id := p.registry.Add(quitCloser{conn})
	meter := progress.NewMeter(f, spec.SizeBytes, spec.Progress)
	storErr := conn.Stor(spec.Name, meter)
	p.registry.Remove(id)
	if quitErr := conn.Quit(); quitErr != nil && storErr == nil {
		p.log.WithError(quitErr).Debug("ftp quit failed")
	}
	if storErr != nil {
		return "", fmt.Errorf("ftp upload %s: %w", spec.Name, storErr)
	}

	return p.awaitFileCode(ctx, spec.Name)
}

// awaitFileCode polls the inbox listing until the uploaded name appears. The
// loop is explicitly bounded by the wall-clock deadline; each miss waits the
// configured inter-poll delay.
func (p *Push) awaitFileCode(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(p.cfg.WaitTimeout)
	for {
		code, err := p.inbox.FindFileInInbox(ctx, name)
		if err != nil {
			return "", err
		}
		if code != "" {
			return code, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFoundAfterUpload)
		}
		p.log.WithField("name", name).Debug("file not visible yet, waiting")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.WaitBetweenUploadAndCheck):
		}
	}
}

func (p *Push) dialFTP(ctx context.Context) (pushConn, error) {
	conn, err := ftp.Dial(p.cfg.FTPHost,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(p.cfg.FTPTimeout),
	)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(p.cfg.FTPUser, p.cfg.FTPPassword); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return conn, nil
}

// quitCloser adapts an FTP connection to io.Closer for the registry.
type quitCloser struct {
	conn pushConn
}

func (q quitCloser) Close() error { return q.conn.Quit() }
