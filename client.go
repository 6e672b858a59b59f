package packets

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// dialOptions holds the configuration for Dial.
type dialOptions struct {
	header    http.Header
	tlsConfig *tls.Config
	dialer    *net.Dialer
	connOpts  []Option
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

// DialHeaderOption adds headers to the upgrade request.
// Connection and Upgrade are always set by Dial.
func DialHeaderOption(h http.Header) DialOption {
	return func(o *dialOptions) {
		o.header = h
	}
}

// DialTLSConfigOption sets the TLS configuration used for https URLs.
func DialTLSConfigOption(cfg *tls.Config) DialOption {
	return func(o *dialOptions) {
		o.tlsConfig = cfg
	}
}

// DialNetDialerOption sets the dialer used to open the TCP connection.
func DialNetDialerOption(d *net.Dialer) DialOption {
	return func(o *dialOptions) {
		o.dialer = d
	}
}

// DialConnOptions sets the options of the resulting connection.
func DialConnOptions(opts ...Option) DialOption {
	return func(o *dialOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// Dial connects to rawURL (http or https), requests an upgrade to
// UpgradeProtocol and returns the message channel. Canceling ctx aborts the
// handshake; it does not affect the returned connection.
//
// Failures of the exchange itself return an error matching ErrHandshake.
func Dial(ctx context.Context, rawURL string, opt ...DialOption) (*Conn, error) {
	var o dialOptions
	for _, fn := range opt {
		fn(&o)
	}
	if o.dialer == nil {
		o.dialer = &net.Dialer{}
	}

	connOpts, err := buildOptions(o.connOpts)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse url")
	}

	var secure bool
	switch u.Scheme {
	case "http":
	case "https":
		secure = true
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}

	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	if secure {
		cfg := o.tlsConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(conn, cfg)
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "tls handshake")
		}
		conn = tlsConn
	}

	br, err := handshake(ctx, conn, u, o.header)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newConnWithOptions(conn, br, connOpts), nil
}

// handshake sends the upgrade request on conn and reads the response.
// The returned reader holds any bytes the server sent after the response.
func handshake(ctx context.Context, conn net.Conn, u *url.URL, header http.Header) (*bufio.Reader, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build upgrade request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", UpgradeProtocol)

	if err = req.Write(conn); err != nil {
		return nil, wrapHandshake(ctx, err, "write upgrade request")
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, wrapHandshake(ctx, err, "read upgrade response")
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, errors.Wrapf(ErrHandshake, "unexpected status %q", resp.Status)
	}
	if !headerContainsToken(resp.Header, "Upgrade", UpgradeProtocol) {
		return nil, errors.Wrapf(ErrHandshake, "server switched to %q", resp.Header.Get("Upgrade"))
	}

	return br, nil
}

// wrapHandshake marks a failed exchange, reporting the context error when
// cancellation caused it.
func wrapHandshake(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return errors.Wrap(errors.Wrap(ErrHandshake, err.Error()), msg)
}
