package dispatcher

import (
	"log/slog"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/cache"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/gossip"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/holepunch"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/keepalive"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/transport"
)

// Opts holds the options a caller supplies to build a Config; it is the
// thin, unvalidated input, generalizing the teacher's
// DaemonOpts -> NewConfig(opts) split (pkg/daemon/config.go) so zero
// values fill in from the documented §6 defaults rather than requiring
// every field to be set.
type Opts struct {
	NetworkKey [32]byte
	Identity   *identity.Identity
	MachineID  endpoint.MachineID

	BindHost       string
	BindPort       int
	ValidationMode endpoint.ValidationMode

	KeepaliveConfig  keepalive.Config
	GossipConfig     gossip.Config
	HolePunchProbes  int
	HolePunchWindow  time.Duration
	RelayCapacity    relay.Capacity
	RelayIdleTimeout time.Duration
	NATClassifier    natclass.Config
	CacheMaxEntries  int
	MaxForwardHops   uint8

	Logger *slog.Logger
}

// Config is the fully-defaulted, immutable configuration a Node runs
// with. Persisted state (identity keypair, network membership, cached
// announcements) is never held here: callers load it externally and
// pass the derived Identity/NetworkKey in, per the spec's explicit
// on-disk-store non-goal.
type Config struct {
	NetworkKey [32]byte
	Identity   *identity.Identity
	MachineID  endpoint.MachineID

	Transport      transport.Config
	ValidationMode endpoint.ValidationMode

	Keepalive       keepalive.Config
	Gossip          gossip.Config
	HolePunchProbes int
	HolePunchWindow time.Duration
	Relay           relay.Capacity
	RelayIdle       time.Duration
	NATClassifier   natclass.Config
	CacheMaxEntries int
	MaxForwardHops  uint8

	Logger *slog.Logger
}

// NewConfig fills in the spec's §6 defaults for every zero-valued field
// of opts.
func NewConfig(opts Opts) Config {
	cfg := Config{
		NetworkKey:      opts.NetworkKey,
		Identity:        opts.Identity,
		MachineID:       opts.MachineID,
		ValidationMode:  opts.ValidationMode,
		Keepalive:       opts.KeepaliveConfig,
		Gossip:          opts.GossipConfig,
		HolePunchProbes: opts.HolePunchProbes,
		HolePunchWindow: opts.HolePunchWindow,
		Relay:           opts.RelayCapacity,
		RelayIdle:       opts.RelayIdleTimeout,
		NATClassifier:   opts.NATClassifier,
		CacheMaxEntries: opts.CacheMaxEntries,
		MaxForwardHops:  opts.MaxForwardHops,
		Logger:          opts.Logger,
	}

	cfg.Transport = transport.Config{Host: opts.BindHost, Port: opts.BindPort}
	if cfg.Transport.Host == "" {
		cfg.Transport.Host = "::"
	}

	if cfg.Keepalive == (keepalive.Config{}) {
		cfg.Keepalive = keepalive.DefaultConfig()
	}
	if cfg.Gossip == (gossip.Config{}) {
		cfg.Gossip = gossip.DefaultConfig()
	}
	if cfg.HolePunchProbes == 0 {
		cfg.HolePunchProbes = holepunch.DefaultProbesPerAttempt
	}
	if cfg.HolePunchWindow == 0 {
		cfg.HolePunchWindow = holepunch.DefaultAttemptWindow
	}
	if cfg.RelayIdle == 0 {
		cfg.RelayIdle = relay.DefaultIdleTimeout
	}
	if cfg.NATClassifier == (natclass.Config{}) {
		cfg.NATClassifier = natclass.DefaultConfig()
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = cache.DefaultMaxEntries
	}
	if cfg.MaxForwardHops == 0 {
		cfg.MaxForwardHops = 255
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
