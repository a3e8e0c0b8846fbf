// Package natclass classifies a node's NAT behavior via STUN (RFC 5389)
// binding exchanges against two independent public servers.
package natclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("omerta.natclass")

// Typed failure kinds per the spec's error taxonomy; Detect returns
// them (wrapped) alongside an Unknown classification.
var (
	ErrBindFailed            = errors.New("natclass: bind failed")
	ErrTimeout               = errors.New("natclass: stun timeout")
	ErrNoMappedAddress       = errors.New("natclass: no mapped address in response")
	ErrTransactionIDMismatch = errors.New("natclass: transaction id mismatch")
	ErrInsufficientServers   = errors.New("natclass: fewer than two STUN servers configured")
)

// Type is the NAT behavior classification.
type Type string

const (
	Public              Type = "public"
	FullCone            Type = "fullCone"
	RestrictedCone      Type = "restrictedCone"
	PortRestrictedCone  Type = "portRestrictedCone"
	Symmetric           Type = "symmetric"
	Unknown             Type = "unknown"
)

// IsHolePunchable reports whether direct hole-punching is plausible for t.
func (t Type) IsHolePunchable() bool {
	switch t {
	case Public, FullCone, RestrictedCone, PortRestrictedCone:
		return true
	default:
		return false
	}
}

// CanRelay reports whether a peer of this NAT type can act as a relay
// or hole-punch coordinator for others.
func (t Type) CanRelay() bool {
	return t == Public || t == FullCone
}

// Endpoint is an observed public ip:port mapping.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	if e.IP == nil {
		return ""
	}
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Config selects the two STUN servers and timeouts used for classification.
type Config struct {
	ServerA string
	ServerB string
	Timeout time.Duration
}

// DefaultServers mirrors well-known public STUN infrastructure; callers
// may override via Config.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// DefaultConfig returns a Config using DefaultServers and a 3s timeout.
func DefaultConfig() Config {
	return Config{ServerA: DefaultServers[0], ServerB: DefaultServers[1], Timeout: 3 * time.Second}
}

// Classifier runs the STUN-based NAT classification procedure.
type Classifier struct {
	cfg Config
}

// New constructs a Classifier. It returns ErrInsufficientServers if
// fewer than two distinct STUN servers are configured.
func New(cfg Config) (*Classifier, error) {
	if cfg.ServerA == "" || cfg.ServerB == "" || cfg.ServerA == cfg.ServerB {
		return nil, ErrInsufficientServers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Classifier{cfg: cfg}, nil
}

// Detect binds local port localPort (0 for ephemeral), queries both
// configured servers reusing that port, and returns the NAT type plus
// the public endpoint observed from ServerA. If binding or the ServerA
// query fails it returns (Unknown, zero Endpoint, err) — callers that
// only want best-effort classification may ignore err and treat it as
// Unknown, per the spec's failure-isolation contract. If only ServerB
// fails it returns (Unknown, the ServerA endpoint, nil).
func (c *Classifier) Detect(ctx context.Context, localPort int) (Type, Endpoint, error) {
	ctx, span := tracer.Start(ctx, "natclass.Detect")
	defer span.End()
	span.SetAttributes(attribute.Int("local_port", localPort))

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bind failed")
		return Unknown, Endpoint{}, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	defer conn.Close()

	ipA, portA, errA := c.query(ctx, conn, c.cfg.ServerA)
	ipB, portB, errB := c.query(ctx, conn, c.cfg.ServerB)

	if errA != nil {
		span.RecordError(errA)
		span.SetStatus(codes.Error, "server A query failed")
		return Unknown, Endpoint{}, errA
	}
	observed := Endpoint{IP: ipA, Port: portA}

	if errB != nil {
		// Only one server answered: can't distinguish cone behavior
		// from symmetric, so we degrade to Unknown rather than guess.
		span.SetAttributes(attribute.String("nat_type", string(Unknown)))
		return Unknown, observed, nil
	}

	localIP := outboundIP()
	boundPort := localUDPPort(conn)
	natType := classify(ipA, portA, ipB, portB, localIP, boundPort)
	span.SetAttributes(attribute.String("nat_type", string(natType)))
	return natType, observed, nil
}

// classify decides among Public, PortRestrictedCone and Symmetric;
// it never returns FullCone or RestrictedCone. A mapping that
// matches the socket's own local address means the packet left with its
// address untranslated: this node is directly on the open internet, no
// NAT in the path. Otherwise, identical mappings from both servers imply
// a conservative portRestrictedCone assumption (no hairpin test is
// performed); any difference in IP or port implies symmetric, since only
// a symmetric NAT varies its external mapping by destination.
func classify(ipA net.IP, portA int, ipB net.IP, portB int, localIP net.IP, localPort int) Type {
	if localIP != nil && ipA.Equal(localIP) && portA == localPort {
		return Public
	}
	if ipA.Equal(ipB) && portA == portB {
		return PortRestrictedCone
	}
	return Symmetric
}

// outboundIP returns the local IP the OS routing table would pick for a
// connection to the open internet, without sending any packets (UDP
// dial only resolves a route). Returns nil if it can't be determined,
// in which case classify never reports Public.
func outboundIP() net.IP {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

// localUDPPort reports the port a bound UDP socket is listening on.
func localUDPPort(conn *net.UDPConn) int {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

func (c *Classifier) query(ctx context.Context, conn *net.UDPConn, server string) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: resolve %q: %v", ErrBindFailed, server, err)
	}

	req, txnID := buildBindingRequest()
	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("%w: send to %q: %v", ErrBindFailed, server, err)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 512)
	for {
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, 0, fmt.Errorf("%w: %s", ErrTimeout, server)
			}
			return nil, 0, err
		}
		if sender == nil || !sender.IP.Equal(raddr.IP) {
			continue // spoofed or unrelated packet; keep waiting until deadline
		}
		return parseBindingResponse(buf[:n], txnID)
	}
}
