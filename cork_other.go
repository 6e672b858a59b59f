//go:build !linux

package packets

import "net"

// setCork is a no-op where TCP_CORK is unavailable; each frame is still
// written with a single vectored write.
func setCork(net.Conn, bool) error {
	return nil
}
