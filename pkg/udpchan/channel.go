// Package udpchan wraps a bound UDP socket that sends and receives
// bounded-size datagrams.
package udpchan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/antmicro/farshow/internal"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const DefaultPort = 1100

// ErrEndOfStream is returned by Receive once the channel was closed or a
// zero-length datagram arrived.
var ErrEndOfStream = errors.New("udpchan: end of stream")

// IoError is a socket failure. Err keeps the underlying error; Errno extracts
// the OS error code when there is one.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("udp %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func (e *IoError) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

type Options struct {
	// BindAddr is the local address; empty binds all interfaces.
	BindAddr string
	Port     int

	Broadcast bool
	ReuseAddr bool

	ReadBufferSize  int
	WriteBufferSize int

	// MulticastGroup, when set, is joined on every multicast-capable interface.
	MulticastGroup    string
	MulticastTTL      int
	MulticastLoopback bool
}

type Channel struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	local  *net.UDPAddr
	closed atomic.Bool
	once   sync.Once
}

// Listen binds the socket described by opts. A failure here is fatal for the
// caller; nothing is retried.
func Listen(ctx context.Context, opts Options) (*Channel, error) {
	lc := net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if opts.ReuseAddr {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
				if opts.Broadcast {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := net.JoinHostPort(opts.BindAddr, strconv.Itoa(opts.Port))
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		internal.Error("error creating udp socket", internal.Fields{
			internal.FieldAddr:  addr,
			internal.FieldError: err.Error(),
		})
		return nil, &IoError{Op: "bind", Err: err}
	}
	conn := pc.(*net.UDPConn)

	if opts.ReadBufferSize > 0 {
		_ = conn.SetReadBuffer(opts.ReadBufferSize)
	}
	if opts.WriteBufferSize > 0 {
		_ = conn.SetWriteBuffer(opts.WriteBufferSize)
	}

	ch := &Channel{
		conn:  conn,
		pconn: ipv4.NewPacketConn(conn),
		local: conn.LocalAddr().(*net.UDPAddr),
	}

	if err := ch.configureMulticast(opts); err != nil {
		_ = conn.Close()
		return nil, err
	}

	internal.Info("udp socket bound", internal.Fields{
		internal.FieldAddr:          ch.local.String(),
		internal.FieldKey("bcast"):  opts.Broadcast,
		internal.FieldKey("mgroup"): opts.MulticastGroup,
	})
	return ch, nil
}

func (c *Channel) configureMulticast(opts Options) error {
	if opts.MulticastTTL > 0 {
		if err := c.pconn.SetMulticastTTL(opts.MulticastTTL); err != nil {
			return &IoError{Op: "multicast ttl", Err: err}
		}
	}
	if err := c.pconn.SetMulticastLoopback(opts.MulticastLoopback); err != nil {
		internal.Debug("multicast loopback unsupported", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}
	if opts.MulticastGroup == "" {
		return nil
	}

	group := net.ParseIP(opts.MulticastGroup)
	if group == nil || !group.IsMulticast() {
		return &IoError{Op: "join", Err: fmt.Errorf("%q is not a multicast address", opts.MulticastGroup)}
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return &IoError{Op: "join", Err: err}
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := c.pconn.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
			internal.Debug("multicast join skipped", internal.Fields{
				internal.FieldKey("iface"): ifi.Name,
				internal.FieldError:        err.Error(),
			})
			continue
		}
		joined++
	}
	if joined == 0 {
		return &IoError{Op: "join", Err: fmt.Errorf("no interface joined %s", group)}
	}
	return nil
}

func (c *Channel) LocalAddr() *net.UDPAddr {
	return c.local
}

// Send writes one datagram to dest. A failed write closes the socket.
func (c *Channel) Send(b []byte, dest *net.UDPAddr) error {
	if c.closed.Load() {
		return &IoError{Op: "send", Err: net.ErrClosed}
	}
	if _, err := c.conn.WriteToUDP(b, dest); err != nil {
		_ = c.Close()
		return &IoError{Op: "send", Err: err}
	}
	return nil
}

// Receive blocks until one datagram is read into buf. After Close, or for a
// zero-length datagram, it returns ErrEndOfStream. Any other failure closes
// the socket and returns an *IoError.
func (c *Channel) Receive(buf []byte) (int, net.Addr, error) {
	if c.closed.Load() {
		return 0, nil, ErrEndOfStream
	}
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if c.closed.Load() || errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrEndOfStream
		}
		_ = c.Close()
		return 0, nil, &IoError{Op: "receive", Err: err}
	}
	if n == 0 {
		return 0, addr, ErrEndOfStream
	}
	return n, addr, nil
}

// Close releases the socket and unblocks a pending Receive. Safe to call
// more than once.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		internal.Debug("udp socket closed", internal.Fields{
			internal.FieldAddr: c.local.String(),
		})
	})
	return err
}

// ResolveDestination resolves an IPv4 destination; empty addr means the
// limited broadcast address.
func ResolveDestination(addr string, port int) (*net.UDPAddr, error) {
	if port <= 0 {
		port = DefaultPort
	}
	if addr == "" {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: port}, nil
	}
	ua, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", addr, port, err)
	}
	return ua, nil
}
