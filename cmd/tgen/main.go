// Command tgen drives one run of the traffic generator: it parses the CLI
// surface into a config.Config, wires up the engine's Broker with the
// collaborators the selected protocol/role/pattern combination needs, runs
// until the population drains or the run-time limit fires, and reports the
// aggregate outcome.
package main

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/config"
	"github.com/trafficgen/tgen/connid"
	"github.com/trafficgen/tgen/engine"
	"github.com/trafficgen/tgen/internal/concurrency"
	"github.com/trafficgen/tgen/internal/logging"
	"github.com/trafficgen/tgen/pattern"
	"github.com/trafficgen/tgen/ratelimit"
	"github.com/trafficgen/tgen/reactor"
	"github.com/trafficgen/tgen/stats"
	"github.com/trafficgen/tgen/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.FromFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logging.New(os.Stderr, logging.LevelInfo)
	registry := stats.NewRegistry()
	scheduler := reactor.NewScheduler()
	exec := concurrency.NewExecutor(0)
	defer exec.Close()

	var runLog *stats.RunLog
	if cfg.RunLogPath != "" {
		f, err := os.Create(cfg.RunLogPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		defer f.Close()
		runLog = stats.NewRunLog(f)
	}

	rate := rateLimitFor(cfg)

	var acceptEngine *engine.AcceptEngine
	var udpListener *transport.UDPListener
	var idPool *connid.Pool

	if cfg.Protocol == api.ProtoTCP && cfg.Role == config.RoleListen {
		idPool = connid.New(connid.DefaultServerReservation, connid.DefaultChunkSize)
	}

	switch {
	case cfg.Protocol == api.ProtoTCP && cfg.Role == config.RoleListen:
		lns := make([]net.Listener, 0, len(cfg.ListenAddrs))
		for _, addr := range cfg.ListenAddrs {
			ln, err := transport.ListenTCP(addr)
			if err != nil {
				for _, opened := range lns {
					opened.Close()
				}
				fmt.Fprintln(os.Stderr, err)
				return 2
			}
			lns = append(lns, ln)
		}
		defer func() {
			for _, ln := range lns {
				ln.Close()
			}
		}()
		acceptEngine = engine.NewAcceptEngine(lns, cfg.PendingAccepts)
	case cfg.Protocol == api.ProtoUDP && cfg.Role == config.RoleListen:
		uconn, err := transport.ListenUDP(cfg.ListenAddrs[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		udpListener = transport.NewUDPListener(uconn)
	}

	var connIndex int64
	// broker is assigned right below, before Start (and therefore before
	// fillLocked ever invokes newSocket); the closure captures the variable,
	// not its value at closure-creation time, so this is not a race.
	var broker *engine.Broker

	newSocket := func() *engine.SocketState {
		idx := atomic.AddInt64(&connIndex, 1) - 1
		return newSocketFor(cfg, &broker, idx, scheduler, rate, exec, log, runLog, acceptEngine, udpListener, idPool)
	}

	brokerCfg := engine.BrokerConfig{
		TotalConnections:        cfg.TotalConnections,
		PendingLimit:            cfg.PendingLimit,
		ConnectionThrottleLimit: cfg.ConnectionThrottleLimit,
		ConnectionLimit:         cfg.ConnectionLimit,
		AcceptMode:              cfg.Role == config.RoleListen,
		Stats:                   registry,
		Logger:                  log,
	}
	broker = engine.NewBroker(brokerCfg, exec, scheduler, newSocket)

	broker.Start()

	if cfg.RunTimeLimit > 0 {
		scheduler.Schedule(cfg.RunTimeLimit.Nanoseconds(), broker.RequestShutdown)
	}

	broker.Wait(0)

	if acceptEngine != nil {
		acceptEngine.Shutdown()
	}
	if udpListener != nil {
		udpListener.Close()
	}

	snap := registry.Snapshot()
	log.Infof("run complete: succeeded=%d connection_errors=%d protocol_errors=%d",
		snap.SuccessfulCompletions, snap.ConnectionErrors, snap.ProtocolErrors)
	return snap.ExitCode()
}

// rateLimitFor builds the Send-pacing policy a TCP pattern uses; UDP's
// MediaStream pattern paces itself directly off frame cadence and ignores
// this policy entirely.
func rateLimitFor(cfg *config.Config) ratelimit.Policy {
	if cfg.TCPBytesPerSecond <= 0 {
		return ratelimit.NoThrottle{}
	}
	return ratelimit.NewQuantumPolicy(cfg.TCPBytesPerSecond, cfg.TCPQuantum)
}

// newSocketFor builds one fresh, unstarted SocketState for this run's
// protocol/role combination. broker is a pointer-to-pointer because the
// Broker that will own this socket does not exist yet when the very first
// newSocket closure is constructed — engine.NewBroker needs that closure before it
// can return a *Broker to fill brokerSlot with.
func newSocketFor(
	cfg *config.Config,
	brokerSlot **engine.Broker,
	idx int64,
	scheduler api.Scheduler,
	rate ratelimit.Policy,
	exec *concurrency.Executor,
	log *logging.Logger,
	runLog *stats.RunLog,
	acceptEngine *engine.AcceptEngine,
	udpListener *transport.UDPListener,
	idPool *connid.Pool,
) *engine.SocketState {
	switch {
	case cfg.Protocol == api.ProtoTCP && cfg.Role == config.RoleConnect:
		return newTCPConnectSocket(cfg, *brokerSlot, idx, scheduler, rate, exec, log, runLog)
	case cfg.Protocol == api.ProtoTCP && cfg.Role == config.RoleListen:
		return newTCPAcceptSocket(cfg, *brokerSlot, idx, scheduler, rate, exec, log, runLog, acceptEngine, idPool)
	case cfg.Protocol == api.ProtoUDP && cfg.Role == config.RoleConnect:
		return newUDPConnectSocket(cfg, *brokerSlot, idx, scheduler, exec, log, runLog)
	default:
		return newUDPAcceptSocket(cfg, *brokerSlot, idx, scheduler, exec, log, runLog, udpListener)
	}
}

func newTCPConnectSocket(
	cfg *config.Config,
	broker *engine.Broker,
	idx int64,
	scheduler api.Scheduler,
	rate ratelimit.Policy,
	exec *concurrency.Executor,
	log *logging.Logger,
	runLog *stats.RunLog,
) *engine.SocketState {
	var local, remote string
	return engine.New(engine.Options{
		CreateFn: func(s *engine.SocketState) { s.CompleteState(0) },
		ConnectFn: func(s *engine.SocketState) {
			conn, err := transport.DialTCP(cfg.TargetAddr)
			if err != nil {
				if log != nil {
					log.Errorf("dial %s: %v", cfg.TargetAddr, err)
				}
				s.CompleteState(1)
				return
			}
			local, remote = conn.LocalAddr(), conn.RemoteAddr()
			s.SetConn(conn)
			s.CompleteState(0)
		},
		IoFn: engine.NewIoFn(scheduler),
		ClosingFn: func(s *engine.SocketState) {
			closeAndLog(s, idx, local, remote, runLog)
		},
		NewPattern: func() pattern.Pattern {
			return pattern.New(cfg.Pattern, tcpPatternOptions(cfg, api.RoleClient, [connid.IDSize]byte{}, idx, rate, scheduler))
		},
		Exec:   exec,
		Broker: broker,
	})
}

func newTCPAcceptSocket(
	cfg *config.Config,
	broker *engine.Broker,
	idx int64,
	scheduler api.Scheduler,
	rate ratelimit.Policy,
	exec *concurrency.Executor,
	log *logging.Logger,
	runLog *stats.RunLog,
	acceptEngine *engine.AcceptEngine,
	idPool *connid.Pool,
) *engine.SocketState {
	var local, remote string
	var connID [connid.IDSize]byte
	var slot connid.Slot

	return engine.New(engine.Options{
		Accept: true,
		CreateFn: func(s *engine.SocketState) {
			sl, err := idPool.Checkout()
			if err != nil {
				if log != nil {
					log.Errorf("connection-id pool exhausted: %v", err)
				}
				s.CompleteState(1)
				return
			}
			slot = sl
			connID = connid.NewIdentity()
			idPool.Write(slot, connID)
			s.CompleteState(0)
		},
		ConnectFn: func(s *engine.SocketState) {
			result, err := acceptEngine.Accept(nil)
			if err != nil {
				// closing_fn below always checks the slot back in, so don't
				// double-checkin here.
				s.CompleteState(2)
				return
			}
			conn := transport.NewTCPConn(result.Conn)
			local, remote = conn.LocalAddr(), conn.RemoteAddr()
			s.SetConn(conn)
			s.CompleteState(0)
		},
		IoFn: engine.NewIoFn(scheduler),
		ClosingFn: func(s *engine.SocketState) {
			idPool.Checkin(slot)
			closeAndLog(s, idx, local, remote, runLog)
		},
		NewPattern: func() pattern.Pattern {
			return pattern.New(cfg.Pattern, tcpPatternOptions(cfg, api.RoleServer, connID, idx, rate, scheduler))
		},
		Exec:   exec,
		Broker: broker,
	})
}

func newUDPConnectSocket(
	cfg *config.Config,
	broker *engine.Broker,
	idx int64,
	scheduler api.Scheduler,
	exec *concurrency.Executor,
	log *logging.Logger,
	runLog *stats.RunLog,
) *engine.SocketState {
	var local, remote string
	return engine.New(engine.Options{
		CreateFn: func(s *engine.SocketState) { s.CompleteState(0) },
		ConnectFn: func(s *engine.SocketState) {
			conn, err := transport.DialUDP(cfg.TargetAddr)
			if err != nil {
				if log != nil {
					log.Errorf("dial %s: %v", cfg.TargetAddr, err)
				}
				s.CompleteState(1)
				return
			}
			local, remote = conn.LocalAddr(), conn.RemoteAddr()
			s.SetConn(conn)
			s.CompleteState(0)
		},
		IoFn: engine.NewIoFn(scheduler),
		ClosingFn: func(s *engine.SocketState) {
			closeAndLog(s, idx, local, remote, runLog)
		},
		NewPattern: func() pattern.Pattern {
			return pattern.New(pattern.MediaStream, mediaStreamOptions(cfg, api.RoleClient, idx, scheduler))
		},
		Exec:   exec,
		Broker: broker,
	})
}

func newUDPAcceptSocket(
	cfg *config.Config,
	broker *engine.Broker,
	idx int64,
	scheduler api.Scheduler,
	exec *concurrency.Executor,
	log *logging.Logger,
	runLog *stats.RunLog,
	udpListener *transport.UDPListener,
) *engine.SocketState {
	var local, remote string
	return engine.New(engine.Options{
		Accept:   true,
		CreateFn: func(s *engine.SocketState) { s.CompleteState(0) },
		ConnectFn: func(s *engine.SocketState) {
			conn, ok := udpListener.Accept()
			if !ok {
				s.CompleteState(2)
				return
			}
			local, remote = conn.LocalAddr(), conn.RemoteAddr()
			s.SetConn(conn)
			s.CompleteState(0)
		},
		IoFn: engine.NewIoFn(scheduler),
		ClosingFn: func(s *engine.SocketState) {
			closeAndLog(s, idx, local, remote, runLog)
		},
		NewPattern: func() pattern.Pattern {
			return pattern.New(pattern.MediaStream, mediaStreamOptions(cfg, api.RoleServer, idx, scheduler))
		},
		Exec:   exec,
		Broker: broker,
	})
}

func tcpPatternOptions(cfg *config.Config, role api.Role, connID [connid.IDSize]byte, idx int64, rate ratelimit.Policy, scheduler api.Scheduler) pattern.Options {
	return pattern.Options{
		Role:          role,
		Protocol:      api.ProtoTCP,
		MaxTransfer:   cfg.TransferSize,
		Shutdown:      cfg.Shutdown,
		IOBufferSize:  cfg.IOBufferSizeMax,
		ConnID:        connID,
		RateLimit:     rate,
		Clock:         scheduler,
		PushPullSplit: cfg.PushPullSplit,
		SharedBuffer:  cfg.SharedBuffer,
		VerifyBuffer:  cfg.VerifyBuffer,
		ConnIndex:     int(idx),
	}
}

func mediaStreamOptions(cfg *config.Config, role api.Role, idx int64, scheduler api.Scheduler) pattern.Options {
	return pattern.Options{
		Role:                 role,
		Protocol:             api.ProtoUDP,
		Shutdown:             cfg.Shutdown,
		IOBufferSize:         cfg.IOBufferSizeMax,
		Clock:                scheduler,
		VerifyBuffer:         cfg.VerifyBuffer,
		ConnIndex:            int(idx),
		BitsPerSecond:        cfg.UDPBitsPerSecond,
		FramesPerSecond:      cfg.UDPFramesPerSecond,
		StreamDurationMillis: cfg.UDPStreamDurationMillis,
	}
}

// closeAndLog tears down conn and, if a run log is configured, appends this
// connection's terminal outcome to it.
func closeAndLog(s *engine.SocketState, idx int64, local, remote string, runLog *stats.RunLog) {
	if c := s.Conn(); c != nil {
		c.Close()
	}
	if runLog == nil {
		return
	}
	code := s.TeardownCode()
	_ = runLog.Append(stats.CompletionRecord{
		ConnectionIndex: idx,
		LocalAddr:       local,
		RemoteAddr:      remote,
		ErrorCode:       code,
		TeardownCode:    code,
		FinishedAt:      time.Now(),
	})
}
