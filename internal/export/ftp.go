package export

import (
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPUploader stores exports on an FTP server, typically the tenant's
// accountant's drop folder.
type FTPUploader struct {
	timeout time.Duration
	dial    func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)
}

// ftpConn is the part of *ftp.ServerConn the uploader uses.
type ftpConn interface {
	Login(user, password string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

// NewFTPUploader creates an FTPUploader. A zero timeout means 30s.
func NewFTPUploader(timeout time.Duration) *FTPUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FTPUploader{timeout: timeout, dial: dialFTP}
}

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	return ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
}

// Target is a parsed ftp:// destination.
type Target struct {
	Addr     string
	User     string
	Password string
	Dir      string
}

// ParseTarget parses ftp://[user[:password]@]host[:port]/dir. Anonymous
// login is used when no user is given.
func ParseTarget(rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, eris.Wrap(err, "export: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return Target{}, eris.Errorf("export: expected ftp scheme, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Target{}, eris.New("export: ftp url has no host")
	}

	t := Target{
		Addr:     u.Host,
		User:     "anonymous",
		Password: "anonymous@",
		Dir:      u.Path,
	}
	if _, _, splitErr := net.SplitHostPort(t.Addr); splitErr != nil {
		t.Addr = net.JoinHostPort(t.Addr, "21")
	}
	if u.User != nil && u.User.Username() != "" {
		t.User = u.User.Username()
		t.Password, _ = u.User.Password()
	}
	if t.Dir == "" {
		t.Dir = "/"
	}
	return t, nil
}

// Upload stores r as name under the target directory and returns the remote path.
func (u *FTPUploader) Upload(ctx context.Context, target Target, name string, r io.Reader) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", eris.Errorf("export: invalid file name %q", name)
	}
	remote := path.Join(target.Dir, name)

	zap.L().Debug("export: ftp upload", zap.String("addr", target.Addr), zap.String("path", remote))

	conn, err := u.dial(ctx, target.Addr, u.timeout)
	if err != nil {
		return "", eris.Wrap(err, "export: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(target.User, target.Password); err != nil {
		return "", eris.Wrap(err, "export: ftp login")
	}
	if err := conn.Stor(remote, r); err != nil {
		return "", eris.Wrap(err, "export: ftp store")
	}
	return remote, nil
}
