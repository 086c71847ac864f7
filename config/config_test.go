package config

import (
	"testing"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/pattern"
)

func TestFromFlagsDefaultsToTCPPushConnect(t *testing.T) {
	cfg, err := FromFlags([]string{"-target", "127.0.0.1:9000"})
	if err != nil {
		t.Fatalf("FromFlags: %v", err)
	}
	if cfg.Protocol != api.ProtoTCP || cfg.Role != RoleConnect || cfg.Pattern != pattern.Push {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromFlagsRejectsConnectWithoutTarget(t *testing.T) {
	if _, err := FromFlags([]string{}); err == nil {
		t.Fatal("expected an error for role=connect without -target")
	}
}

func TestFromFlagsRejectsListenWithoutListenAddr(t *testing.T) {
	if _, err := FromFlags([]string{"-role", "listen"}); err == nil {
		t.Fatal("expected an error for role=listen without -listen")
	}
}

func TestFromFlagsRejectsMismatchedProtocolAndPattern(t *testing.T) {
	if _, err := FromFlags([]string{"-target", "127.0.0.1:9000", "-protocol", "udp", "-pattern", "push"}); err == nil {
		t.Fatal("expected an error for protocol=udp with a non-mediastream pattern")
	}
	if _, err := FromFlags([]string{"-target", "127.0.0.1:9000", "-pattern", "mediastream"}); err == nil {
		t.Fatal("expected an error for pattern=mediastream with protocol=tcp")
	}
}

func TestFromFlagsAcceptsMediaStreamOverUDP(t *testing.T) {
	cfg, err := FromFlags([]string{"-target", "127.0.0.1:9000", "-protocol", "udp", "-pattern", "mediastream"})
	if err != nil {
		t.Fatalf("FromFlags: %v", err)
	}
	if cfg.Protocol != api.ProtoUDP || cfg.Pattern != pattern.MediaStream {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
