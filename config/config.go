// Package config turns the CLI surface named in spec.md §6 into a single
// immutable Config, validated once at startup in the style of
// cmd/streamtestd's flag handling: every bad value is caught and reported
// before any socket is opened, never discovered mid-run.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/pattern"
)

// addrList collects every occurrence of a repeatable flag, letting
// -listen be passed more than once to fan multiple listen addresses into
// one AcceptEngine (spec.md §4.7).
type addrList []string

func (a *addrList) String() string { return strings.Join(*a, ",") }

func (a *addrList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

// Role selects listen vs connect, independent of api.Role which is
// per-connection (server/client) — Config.Role determines which one every
// connection in this run takes.
type Role int

const (
	RoleConnect Role = iota
	RoleListen
)

// Config is the process-wide, read-only configuration built once at
// startup by FromFlags. It is passed by pointer and never mutated after
// construction, matching spec.md §9 "Global state... read-only thereafter."
type Config struct {
	Protocol api.Protocol
	Role     Role

	ListenAddrs []string
	TargetAddr  string

	ConnectionLimit         int64
	PendingLimit            int
	ConnectionThrottleLimit int
	PendingAccepts          int

	TotalConnections int64 // iterations (client) / accept limit (server); -1 == unbounded
	RunTimeLimit     time.Duration

	Pattern       pattern.Kind
	PushPullSplit int64
	TransferSize  int64 // per-connection max_transfer target, TCP patterns

	IOBufferSizeMin int
	IOBufferSizeMax int
	PrepostSend     int
	PrepostRecv     int

	TCPBytesPerSecond int64
	TCPQuantum        time.Duration

	UDPBitsPerSecond        int
	UDPFramesPerSecond      int
	UDPStreamDurationMillis int64

	Shutdown api.ShutdownType

	SharedBuffer bool
	VerifyBuffer bool

	RunLogPath string // optional; empty disables the on-disk completion log
}

// FromFlags parses args (typically os.Args[1:]) into a validated Config.
func FromFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("tgen", flag.ContinueOnError)

	protocolName := fs.String("protocol", "tcp", "transport protocol {tcp|udp}")
	roleName := fs.String("role", "connect", "role {listen|connect}")
	var listenAddrs addrList
	fs.Var(&listenAddrs, "listen", "address to listen on, role=listen (repeatable for multiple listen addresses)")
	targetAddr := fs.String("target", "", "address to connect to, role=connect")

	connectionLimit := fs.Int64("connections", 1, "max concurrent connections (pending+active), role=connect")
	pendingLimit := fs.Int("pending-limit", 1, "max SocketStates the broker keeps pending at once")
	throttleLimit := fs.Int("throttle-limit", 0, "max connections pending at once, 0 == unlimited, role=connect")
	pendingAccepts := fs.Int("pending-accepts", 100, "pre-posted accept operations per listener, role=listen")

	totalConnections := fs.Int64("total-connections", -1, "iterations (role=connect) or accept limit (role=listen); -1 == unbounded")
	runTimeLimit := fs.Duration("run-time-limit", 0, "stop creating new connections after this long, 0 == unbounded")

	patternName := fs.String("pattern", "push", "io pattern {push|pull|pushpull|duplex|mediastream}")
	pushPullSplit := fs.Int64("pushpull-split", pattern.DefaultPushPullSplit, "bytes per leg before PushPull flips direction")
	transferSize := fs.Int64("transfer-size", 64*1024, "per-connection byte transfer target, TCP patterns")

	bufferSizeMin := fs.Int("buffer-min", pattern.DefaultIOBufferSize, "minimum io buffer size in bytes")
	bufferSizeMax := fs.Int("buffer-max", pattern.DefaultIOBufferSize, "maximum io buffer size in bytes")
	prepostSend := fs.Int("prepost-send", 1, "send prepost count; validated only: the io driver keeps one task outstanding per connection")
	prepostRecv := fs.Int("prepost-recv", 1, "recv prepost count; validated only: the io driver keeps one task outstanding per connection")

	tcpBytesPerSecond := fs.Int64("tcp-bytes-per-sec", 0, "TCP send rate cap in bytes/sec, 0 == unthrottled")
	tcpQuantum := fs.Duration("tcp-quantum", 0, "TCP rate-limit accounting window, 0 == default")

	udpBitsPerSecond := fs.Int("udp-bits-per-sec", 1_000_000, "UDP media-stream target bit rate")
	udpFramesPerSecond := fs.Int("udp-frames-per-sec", 30, "UDP media-stream frame rate")
	udpStreamDuration := fs.Duration("udp-duration", 10*time.Second, "UDP media-stream total stream duration")

	shutdownName := fs.String("shutdown", "graceful", "TCP teardown policy {graceful|hard}")

	sharedBuffer := fs.Bool("shared-buffer", false, "share one send/recv buffer pair across a connection's tasks instead of allocating per task")
	verifyBuffer := fs.Bool("verify-buffer", false, "fill sent bytes with a per-connection pattern and validate received bytes against it")
	runLogPath := fs.String("run-log", "", "optional path to an on-disk msgpack completion log, one record per connection")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddrs:             []string(listenAddrs),
		TargetAddr:              *targetAddr,
		ConnectionLimit:         *connectionLimit,
		PendingLimit:            *pendingLimit,
		ConnectionThrottleLimit: *throttleLimit,
		PendingAccepts:          *pendingAccepts,
		TotalConnections:        *totalConnections,
		RunTimeLimit:            *runTimeLimit,
		PushPullSplit:           *pushPullSplit,
		TransferSize:            *transferSize,
		IOBufferSizeMin:         *bufferSizeMin,
		IOBufferSizeMax:         *bufferSizeMax,
		PrepostSend:             *prepostSend,
		PrepostRecv:             *prepostRecv,
		TCPBytesPerSecond:       *tcpBytesPerSecond,
		TCPQuantum:              *tcpQuantum,
		UDPBitsPerSecond:        *udpBitsPerSecond,
		UDPFramesPerSecond:      *udpFramesPerSecond,
		UDPStreamDurationMillis: udpStreamDuration.Milliseconds(),
		SharedBuffer:            *sharedBuffer,
		VerifyBuffer:            *verifyBuffer,
		RunLogPath:              *runLogPath,
	}

	switch *protocolName {
	case "tcp":
		cfg.Protocol = api.ProtoTCP
	case "udp":
		cfg.Protocol = api.ProtoUDP
	default:
		return nil, fmt.Errorf("config: invalid protocol %q", *protocolName)
	}

	switch *roleName {
	case "connect":
		cfg.Role = RoleConnect
	case "listen":
		cfg.Role = RoleListen
	default:
		return nil, fmt.Errorf("config: invalid role %q", *roleName)
	}

	switch *patternName {
	case "push":
		cfg.Pattern = pattern.Push
	case "pull":
		cfg.Pattern = pattern.Pull
	case "pushpull":
		cfg.Pattern = pattern.PushPull
	case "duplex":
		cfg.Pattern = pattern.Duplex
	case "mediastream":
		cfg.Pattern = pattern.MediaStream
	default:
		return nil, fmt.Errorf("config: invalid pattern %q", *patternName)
	}

	switch *shutdownName {
	case "graceful":
		cfg.Shutdown = api.ShutdownGraceful
	case "hard":
		cfg.Shutdown = api.ShutdownHard
	default:
		return nil, fmt.Errorf("config: invalid shutdown type %q", *shutdownName)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Role == RoleListen && len(c.ListenAddrs) == 0 {
		return fmt.Errorf("config: role=listen requires at least one -listen")
	}
	if c.Role == RoleListen && c.Protocol == api.ProtoUDP && len(c.ListenAddrs) > 1 {
		return fmt.Errorf("config: protocol=udp supports exactly one -listen address")
	}
	if c.Role == RoleConnect && c.TargetAddr == "" {
		return fmt.Errorf("config: role=connect requires -target")
	}
	if c.PendingLimit <= 0 {
		return fmt.Errorf("config: pending-limit must be positive")
	}
	if c.Role == RoleConnect && c.ConnectionLimit <= 0 {
		return fmt.Errorf("config: connections must be positive")
	}
	if c.PendingAccepts <= 0 {
		return fmt.Errorf("config: pending-accepts must be positive")
	}
	if c.IOBufferSizeMin <= 0 || c.IOBufferSizeMax < c.IOBufferSizeMin {
		return fmt.Errorf("config: buffer-min/buffer-max out of range")
	}
	if c.PrepostSend <= 0 || c.PrepostRecv <= 0 {
		return fmt.Errorf("config: prepost-send/prepost-recv must be positive")
	}
	if c.Protocol == api.ProtoUDP && c.Pattern != pattern.MediaStream {
		return fmt.Errorf("config: protocol=udp requires pattern=mediastream")
	}
	if c.Pattern == pattern.MediaStream && c.Protocol != api.ProtoUDP {
		return fmt.Errorf("config: pattern=mediastream requires protocol=udp")
	}
	if c.Pattern == pattern.MediaStream {
		if c.UDPBitsPerSecond <= 0 || c.UDPFramesPerSecond <= 0 || c.UDPStreamDurationMillis <= 0 {
			return fmt.Errorf("config: udp-bits-per-sec/udp-frames-per-sec/udp-duration must be positive for pattern=mediastream")
		}
	} else if c.TransferSize <= 0 {
		return fmt.Errorf("config: transfer-size must be positive")
	}
	return nil
}
