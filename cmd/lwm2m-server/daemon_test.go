package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mash-protocol/lwm2m-go/internal/devicesim"
	"github.com/mash-protocol/lwm2m-go/pkg/bootstrap"
	"github.com/mash-protocol/lwm2m-go/pkg/config"
	"github.com/mash-protocol/lwm2m-go/pkg/log"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDaemon(t *testing.T, cfg *config.Config) *daemon {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	d, err := newDaemon(cfg, quietLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	if err := d.start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(d.stop)
	return d
}

func connect(t *testing.T, d *daemon, endpoint string) *devicesim.Client {
	t.Helper()
	conn, err := net.Dial("udp", d.listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	c := devicesim.NewClient(devicesim.New(devicesim.Config{Endpoint: endpoint}), conn)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDaemonRegistersDeviceAndCapturesProtocol(t *testing.T) {
	cfg := config.Default()
	cfg.ProtocolLog = filepath.Join(t.TempDir(), "server.mlog")
	d := startDaemon(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := connect(t, d, "daemon-dev-1")
	if _, err := client.Register(ctx, time.Minute, "U"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	reg, err := d.server.Registrations().GetByEndpoint("daemon-dev-1")
	if err != nil {
		t.Fatalf("GetByEndpoint failed: %v", err)
	}
	if reg.Lifetime != time.Minute {
		t.Errorf("Lifetime = %v, want 1m", reg.Lifetime)
	}

	d.stop()

	r, err := log.NewReader(cfg.ProtocolLog)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()
	count := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		count++
	}
	if count == 0 {
		t.Error("protocol log should contain events")
	}
}

func TestDaemonAdmitsPSK(t *testing.T) {
	d := startDaemon(t, config.Default())

	if err := d.addPSK("dev-psk=dev-psk-id:00112233"); err != nil {
		t.Fatalf("addPSK failed: %v", err)
	}
	info, err := d.store.Get("dev-psk")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.PSKIdentity != "dev-psk-id" || !bytes.Equal(info.PSKKey, []byte{0x00, 0x11, 0x22, 0x33}) {
		t.Errorf("stored info = %+v", info)
	}

	for _, bad := range []string{"dev", "dev=id", "=id:00", "dev=id:zz", "dev=:00"} {
		if err := d.addPSK(bad); err == nil {
			t.Errorf("addPSK(%q) should fail", bad)
		}
	}
}

const bootstrapDoc = `
endpoints:
  "*":
    delete: ["/"]
    security:
      1: {uri: "coaps://127.0.0.1:5684", mode: psk, derive_key: true, short_server_id: 101}
    servers:
      1: {short_server_id: 101, lifetime: 300, binding: U}
`

func TestDaemonBootstrapProvisionsCredentials(t *testing.T) {
	dir := t.TempDir()
	bsFile := filepath.Join(dir, "bootstrap.yaml")
	secretFile := filepath.Join(dir, "master.secret")
	secret := []byte("0123456789abcdef0123456789abcdef")
	if err := os.WriteFile(bsFile, []byte(bootstrapDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(secretFile, secret, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Bootstrap.ConfigFile = bsFile
	cfg.Bootstrap.MasterSecretFile = secretFile
	cfg.Bootstrap.Salt = "lab"
	d := startDaemon(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := connect(t, d, "bs-dev-1")
	if err := client.RequestBootstrap(ctx); err != nil {
		t.Fatalf("RequestBootstrap failed: %v", err)
	}
	select {
	case <-client.Device().BootstrapFinished():
	case <-ctx.Done():
		t.Fatal("Timed out waiting for bootstrap finish")
	}

	deriver, err := bootstrap.NewKeyDeriver(secret, []byte("lab"))
	if err != nil {
		t.Fatalf("NewKeyDeriver failed: %v", err)
	}
	want, err := deriver.Derive("bs-dev-1", 101)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	var info *security.SecurityInfo
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if info, err = d.store.Get("bs-dev-1"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if info == nil {
		t.Fatalf("provisioned credentials not admitted: %v", err)
	}
	if info.Mode != security.ModePSK || info.PSKIdentity != "bs-dev-1" {
		t.Errorf("info = %+v", info)
	}
	if !bytes.Equal(info.PSKKey, want) {
		t.Error("admitted key differs from the derived key")
	}
}

func TestNewDaemonRejectsMissingBootstrapFile(t *testing.T) {
	cfg := config.Default()
	cfg.Bootstrap.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := newDaemon(cfg, quietLogger()); err == nil {
		t.Fatal("newDaemon should fail for a missing bootstrap file")
	}
}

func TestNewDaemonSQLiteStore(t *testing.T) {
	cfg := config.Default()
	cfg.Security.Database = filepath.Join(t.TempDir(), "security.db")
	d, err := newDaemon(cfg, quietLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	defer d.close()
	if _, ok := d.store.(*security.SQLiteStore); !ok {
		t.Errorf("store = %T, want *security.SQLiteStore", d.store)
	}
}
