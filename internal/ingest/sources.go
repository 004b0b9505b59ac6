package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/emoscal/internal/httputil"
)

// Source fetches the raw bytes behind a location.
type Source interface {
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// FileSource reads local files.
type FileSource struct{}

func (FileSource) Fetch(_ context.Context, u *url.URL) ([]byte, error) {
	return os.ReadFile(u.Path)
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	return bo
}

// ftpConn is the part of *ftp.ServerConn used for fetching.
type ftpConn interface {
	Login(user, password string) error
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(path)
}

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, err
	}
	return serverConn{conn}, nil
}

// FTPSource retrieves files over FTP, anonymously unless the URL carries
// credentials. Connection failures are retried with exponential backoff;
// a missing file is not.
type FTPSource struct {
	Timeout    time.Duration
	Dial       func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)
	NewBackOff func() backoff.BackOff
}

func NewFTPSource() *FTPSource {
	return &FTPSource{
		Timeout:    30 * time.Second,
		Dial:       dialFTP,
		NewBackOff: defaultBackOff,
	}
}

func (s *FTPSource) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	addr := u.Host
	if u.Port() == "" {
		addr += ":21"
	}
	user, password := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	var body []byte
	operation := func() error {
		conn, err := s.Dial(ctx, addr, s.Timeout)
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login(user, password); err != nil {
			if isFTPPermanent(err) {
				return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
			}
			return fmt.Errorf("ftp login: %w", err)
		}

		resp, err := conn.Retr(u.Path)
		if err != nil {
			if isFTPPermanent(err) {
				return backoff.Permanent(fmt.Errorf("ftp retr %s: %w", u.Path, err))
			}
			return fmt.Errorf("ftp retr %s: %w", u.Path, err)
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read %s: %w", u.Path, err)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.NewBackOff(), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// isFTPPermanent reports 5xx replies, which retrying will not fix.
func isFTPPermanent(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	return false
}

// HTTPSource fetches over HTTP(S). Rate limiting and server errors are
// retried; other non-200 responses are not.
type HTTPSource struct {
	Client     *http.Client
	NewBackOff func() backoff.BackOff
}

func NewHTTPSource() *HTTPSource {
	return &HTTPSource{
		Client:     httputil.NewClient(),
		NewBackOff: defaultBackOff,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.Client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", u.Redacted(), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("fetch %s: status %d", u.Redacted(), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d: %s", u.Redacted(), resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.NewBackOff(), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
