package commsutil

import (
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		extra []comms.Option
	}{
		{name: "invalid url", url: "invalid://not-a-nats-server"},
		{name: "nothing listening", url: "nats://127.0.0.1:1", extra: []comms.Option{comms.Timeout(200 * time.Millisecond), comms.NoReconnect()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc, err := Connect(tt.url, "test-client", tt.extra...)
			if err == nil {
				nc.Close()
				t.Fatalf("%s - expected error for %s", connectTestPrefix, tt.url)
			}
			if nc != nil {
				t.Errorf("%s - expected nil connection on error", connectTestPrefix)
			}
			if !strings.HasPrefix(err.Error(), logPrefix+" - failed to connect") {
				t.Errorf("%s - error = %q", connectTestPrefix, err)
			}
		})
	}
}

func TestConnectExtraOptionsOverrideDefaults(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: 14258, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", connectTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", connectTestPrefix)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	nc, err := Connect(ns.ClientURL(), "module:default", comms.Name("module:override"), comms.MaxReconnects(3))
	if err != nil {
		t.Fatalf("%s - Connect: %v", connectTestPrefix, err)
	}
	defer nc.Close()

	if nc.Opts.Name != "module:override" || nc.Opts.MaxReconnect != 3 {
		t.Errorf("%s - options = name %q, max reconnects %d", connectTestPrefix, nc.Opts.Name, nc.Opts.MaxReconnect)
	}
	if nc.Opts.Timeout != 10*time.Second || nc.Opts.ReconnectWait != 2*time.Second {
		t.Errorf("%s - defaults lost: timeout %v, reconnect wait %v", connectTestPrefix, nc.Opts.Timeout, nc.Opts.ReconnectWait)
	}
	if !nc.IsConnected() {
		t.Errorf("%s - not connected", connectTestPrefix)
	}
}
