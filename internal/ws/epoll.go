//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds a single epoll_wait so the event loop notices
// shutdown even when no socket is readable.
const waitTimeoutMs = 100

var errNoDescriptor = errors.New("ws: connection has no file descriptor")

// Epoll reports read readiness for every upgraded socket through a single
// level-triggered epoll instance, so an idle connection holds no goroutine.
type Epoll struct {
	fd     int
	events []unix.EpollEvent // reused by Wait

	mu     sync.RWMutex
	conns  map[int]net.Conn // by descriptor
	closed bool
}

// NewEpoll creates the epoll instance the event loop waits on.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 128),
		conns:  make(map[int]net.Conn),
	}, nil
}

// Wrap returns conn unchanged; the kernel reports readiness without
// touching the stream.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Rearm is a no-op. A socket with unread bytes stays ready.
func (e *Epoll) Rearm(net.Conn) {}

// Add watches conn. A peer that half-closes is reported as readable so the
// worker sees EOF and removes the connection.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoDescriptor
	}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return net.ErrClosed
	}
	e.conns[fd] = conn
	return nil
}

// Remove stops watching conn. Removing a connection twice returns the
// kernel's ENOENT, which callers ignore.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoDescriptor
	}

	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait returns the connections that are readable. It returns an empty slice
// when nothing became ready within waitTimeoutMs and net.ErrClosed after
// Close. Descriptors removed while epoll_wait was blocked are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, net.ErrClosed
	}
	if err != nil {
		return nil, err
	}

	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.conns[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

// Close releases the epoll descriptor. Registered connections are not
// closed.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD reads the descriptor through SyscallConn; File() would dup it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
