package packets

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// UpgradeProtocol is the token sent in the Upgrade header by both sides.
const UpgradeProtocol = "http-tcp-packets"

// upgradeResponse is written verbatim by the server to switch protocols.
const upgradeResponse = "HTTP/1.1 101 Switching Protocols\r\n" +
	"Upgrade: " + UpgradeProtocol + "\r\n" +
	"Connection: Upgrade\r\n\r\n"

// ErrHandshake is returned when the upgrade exchange fails. No connection is
// created in that case.
var ErrHandshake = errors.New("upgrade handshake failed")

// Accept completes the server side of the handshake on a stream whose upgrade
// request has already been read: it writes the protocol switch response and
// returns the message channel. buffered, if not nil, holds bytes read from
// conn past the request; they are delivered before anything else.
func Accept(conn net.Conn, buffered *bufio.Reader, opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	if _, err = io.WriteString(conn, upgradeResponse); err != nil {
		return nil, errors.Wrap(err, "write upgrade response")
	}

	var r io.Reader = conn
	if buffered != nil {
		r = buffered
	}

	return newConnWithOptions(conn, r, opts), nil
}

// Upgrader upgrades HTTP requests to message channels.
type Upgrader struct {
	// Options configure every accepted connection.
	Options []Option
}

// Upgrade validates the upgrade request, takes over the underlying stream and
// returns the message channel. When the request is not an upgrade to
// UpgradeProtocol, Upgrade replies with 426 Upgrade Required and returns an
// error matching ErrHandshake.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !headerContainsToken(r.Header, "Connection", "upgrade") ||
		!headerContainsToken(r.Header, "Upgrade", UpgradeProtocol) {
		w.Header().Set("Connection", "Upgrade")
		w.Header().Set("Upgrade", UpgradeProtocol)
		http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
		return nil, errors.Wrapf(ErrHandshake, "request from %s is not an upgrade to %s", r.RemoteAddr, UpgradeProtocol)
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, errors.Wrap(ErrHandshake, "response writer does not support hijacking")
	}

	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, errors.Wrap(err, "hijack")
	}

	c, err := Accept(conn, brw.Reader, u.Options...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return c, nil
}

// headerContainsToken reports whether the comma-separated header values
// contain token, compared case-insensitively.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
