package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gridlink "github.com/unkn0wn-root/gridlink"
)

// Demo node: listens for cluster connections, routes them by preamble type
// and answers incoming tasks with an echo executor. Real deployments embed
// the gridlink package instead; this binary exists to poke at the wire
// protocol from a shell.
func main() {
	var (
		bind   = flag.String("bind", "127.0.0.1:54321", "listen address (host:port)")
		peers  = flag.String("peers", "", "comma-separated known peers (host:port), pre-resolved at start")
		client = flag.Bool("client", false, "run as a transient client instead of a cluster member")
		ipv6   = flag.Bool("ipv6", false, "cluster-wide IPv6 address mode")

		poolCap  = flag.Int("poolcap", 2, "idle bulk connections kept per peer")
		batch    = flag.Int("batch", 64<<10, "sender batch buffer bytes")
		retry    = flag.Duration("retrystep", 2*time.Millisecond, "reconnect backoff step")
		maxRetry = flag.Duration("maxretry", 5*time.Second, "reconnect backoff cap")
		healthy  = flag.Duration("healthy", 60*time.Second, "peer healthy timeout")
		grace    = flag.Duration("clientto", 10*time.Second, "client disconnect timeout")

		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)

	ap, err := netip.ParseAddrPort(*bind)
	if err != nil {
		log.Error("bad -bind address", "bind", *bind, "err", err)
		os.Exit(1)
	}

	cfg := gridlink.DefaultConfig()
	cfg.IPv6 = *ipv6
	cfg.Port = ap.Port()
	cfg.ClientMode = *client
	cfg.PoolCapacity = *poolCap
	cfg.BatchBufferSize = *batch
	cfg.RetryDelayStep = *retry
	cfg.MaxRetryDelay = *maxRetry
	cfg.HealthyTimeout = *healthy
	cfg.ClientDisconnectTimeout = *grace

	reg := gridlink.NewRegistry(cfg, nil, nil, log)

	for _, s := range splitCSV(*peers) {
		key, err := gridlink.ParsePeerKey(s)
		if err != nil {
			log.Error("skipping bad -peers entry", "peer", s, "err", err)
			continue
		}
		reg.Resolve(key, 0)
	}
	if *peers != "" {
		reg.MarkFormationComplete()
	}

	ln, err := net.Listen("tcp", *bind)
	if err != nil {
		log.Error("listen failed", "bind", *bind, "err", err)
		os.Exit(1)
	}
	log.Info("gridlink node up",
		"bind", *bind, "client", *client, "ts", uint16(reg.SelfTimestamp()))

	go acceptLoop(ln, reg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	_ = ln.Close()
}

func acceptLoop(ln net.Listener, reg *gridlink.Registry, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Info("accept loop done", "err", err)
			return
		}
		go serveConn(conn, reg, log)
	}
}

// serveConn reads the handshake, resolves the remote peer from its
// advertised listening port and routes by connection type. Only the
// small-message channel is served here; bulk connections are the business
// of whatever bulk transfer layer sits on top.
func serveConn(conn net.Conn, reg *gridlink.Registry, log *slog.Logger) {
	defer conn.Close()

	ct, ts, port, err := gridlink.ReadPreamble(conn)
	if err != nil {
		log.Warn("rejecting connection", "from", conn.RemoteAddr().String(), "err", err)
		return
	}
	key, err := keyForRemote(conn.RemoteAddr(), port)
	if err != nil {
		log.Warn("cannot key remote", "from", conn.RemoteAddr().String(), "err", err)
		return
	}
	peer := reg.Resolve(key, ts)

	switch ct {
	case gridlink.ConnTypeSmall:
		serveSmall(conn, peer, log)
	case gridlink.ConnTypeBulk:
		// Accepted and held open; pooled by the remote side.
		_, _ = io.Copy(io.Discard, conn)
	case gridlink.ConnTypeExternal:
		log.Info("dropping external connection", "from", conn.RemoteAddr().String())
	}
}

func serveSmall(conn net.Conn, peer *gridlink.Peer, log *slog.Logger) {
	echo := func(env *gridlink.Envelope) ([]byte, error) {
		return env.Body, nil
	}
	for {
		raw, err := gridlink.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("small channel closed", "peer", peer.Key().String(), "err", err)
			}
			return
		}
		env, err := gridlink.DecodeEnvelope(raw)
		if err != nil {
			log.Warn("undecodable envelope", "peer", peer.Key().String(), "err", err)
			continue
		}
		if err := peer.Dispatch(env, echo); err != nil {
			log.Warn("dispatch failed",
				"peer", peer.Key().String(), "kind", env.Kind.String(), "err", err)
		}
	}
}

// keyForRemote builds the remote's PeerKey from its connection source
// address and the listening port it advertised in the preamble.
func keyForRemote(remote net.Addr, port uint16) (gridlink.PeerKey, error) {
	tcp, ok := remote.(*net.TCPAddr)
	if !ok {
		return gridlink.PeerKey{}, fmt.Errorf("unexpected remote address type %T", remote)
	}
	addr, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return gridlink.PeerKey{}, fmt.Errorf("unusable remote IP %v", tcp.IP)
	}
	return gridlink.NewPeerKey(addr, port), nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
