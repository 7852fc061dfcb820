//go:build linux

// Package listener implements the raw TCP listening socket used in
// listen_tcp mode; standalone modes hand the supervisor the {0,1,2}
// descriptor trio (or /dev/null when silent) directly instead.
package listener

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listener wraps the raw IPv6 listening socket.
type Listener struct {
	fd int
}

// BindAndListen opens an IPv6 stream socket with SO_REUSEADDR, binds the
// wildcard address on port, and begins listening with the kernel maximum
// backlog. Failure here is fatal to the process.
func BindAndListen(port uint16) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Listener{fd: fd}, nil
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Conn is one accepted connection: its fd plus the peer's 16-byte IPv6
// address (IPv4 peers arrive IPv4-mapped).
type Conn struct {
	File       *os.File
	RemoteAddr [16]byte
	RemoteText string
}

// ErrInterrupted is the non-error sentinel returned when accept is
// interrupted by EINTR, so the supervisor's poll loop can service reap and
// time-limit enforcement promptly instead of blocking indefinitely inside
// the kernel.
var ErrInterrupted = fmt.Errorf("accept interrupted")

// Accept blocks until a connection arrives. On EINTR it returns
// ErrInterrupted; other errors are returned for the supervisor to log and
// continue. onCorkFailure, if non-nil, is invoked with the best-effort cork
// error; cork failure never fails Accept itself.
func (l *Listener) Accept(onCorkFailure func(error)) (*Conn, error) {
	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		if err == unix.EINTR {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("accept: %w", err)
	}

	var addrBytes [16]byte
	var text string
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		addrBytes = a.Addr
		text = fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet4:
		copy(addrBytes[10:12], []byte{0xff, 0xff})
		copy(addrBytes[12:16], a.Addr[:])
		text = fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	}

	if cerr := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_CORK, 1); cerr != nil && onCorkFailure != nil {
		onCorkFailure(fmt.Errorf("cork: %w", cerr))
	}

	return &Conn{
		File:       os.NewFile(uintptr(nfd), "conn"),
		RemoteAddr: addrBytes,
		RemoteText: text,
	}, nil
}
