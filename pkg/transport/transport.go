// Package transport wraps a single dual-stack UDP socket: bind, send to
// a resolved address, and deliver received datagrams with their source
// address to a registered callback. It is a pure I/O wrapper with no
// knowledge of envelopes, peers, or the dispatcher's state tables.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// MaxDatagramSize is the largest UDP payload this transport will read;
// anything arriving in a single read is copied out before dispatch so
// the shared buffer can be reused immediately.
const MaxDatagramSize = 65507

const readTimeout = time.Second

// ReceiveFunc is invoked once per inbound datagram, on its own
// goroutine, so a slow handler never stalls the read loop.
type ReceiveFunc func(data []byte, src *net.UDPAddr)

// Transport binds one UDP socket and runs a read loop that hands every
// datagram to a receive callback.
type Transport struct {
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *net.UDPConn
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	onReceive ReceiveFunc
}

// Config selects the bind address and port.
type Config struct {
	// Host defaults to "::" for a dual-stack socket, matching the
	// service interface's documented default.
	Host string
	// Port 0 binds an ephemeral port.
	Port int
}

// New constructs an unbound transport; call Bind to start listening.
func New(logger *slog.Logger, onReceive ReceiveFunc) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		logger:    logger,
		onReceive: onReceive,
		stopCh:    make(chan struct{}),
	}
}

// Bind opens the UDP socket and starts the read loop.
func (t *Transport) Bind(cfg Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("transport: already running")
	}

	host := cfg.Host
	if host == "" {
		host = "::"
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("[%s]:%d", host, cfg.Port))
	if err != nil {
		// Host may already be a bare IPv4 literal without brackets.
		addr, err = net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, cfg.Port))
		if err != nil {
			return fmt.Errorf("transport: resolve bind address: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: bind: %w", err)
	}

	t.conn = conn
	t.running = true
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.readLoop()

	t.logger.Info("transport bound", "addr", conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound address, or nil if not bound.
func (t *Transport) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes data to a resolved remote address. Send is serialized
// by the underlying UDPConn; callers do not need their own lock.
func (t *Transport) SendTo(ctx context.Context, data []byte, dst *net.UDPAddr) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return errors.New("transport: not bound")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.WriteToUDP(data, dst)
	if err != nil {
		return fmt.Errorf("transport: send to %s: %w", dst, err)
	}
	return nil
}

// Close stops the read loop and releases the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
				t.logger.Warn("transport read error", "error", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if t.onReceive != nil {
			// Dispatched on its own goroutine per datagram: §5 only
			// promises in-order delivery per (peer, machine) source, not
			// across sources, and UDP itself never promised this anyway.
			// A burst from one source can still be reordered here before
			// it reaches the dispatcher's dedup/keepalive bookkeeping.
			go t.onReceive(data, src)
		}
	}
}
