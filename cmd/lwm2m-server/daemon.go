package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mash-protocol/lwm2m-go/pkg/bootstrap"
	"github.com/mash-protocol/lwm2m-go/pkg/cert"
	"github.com/mash-protocol/lwm2m-go/pkg/config"
	"github.com/mash-protocol/lwm2m-go/pkg/discovery"
	"github.com/mash-protocol/lwm2m-go/pkg/eventbridge"
	"github.com/mash-protocol/lwm2m-go/pkg/eventbus"
	"github.com/mash-protocol/lwm2m-go/pkg/log"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/server"
	"github.com/mash-protocol/lwm2m-go/pkg/transport"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// daemon owns every component started by lwm2m-server.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      security.Store
	security   *security.Manager
	bootstrap  *bootstrap.Coordinator
	listener   *transport.Listener
	server     *server.Server
	bridge     *eventbridge.Bridge
	mqtt       *eventbridge.MQTTPublisher
	advertiser *discovery.MDNSAdvertiser
	plog       *log.FileLogger

	bsHandle eventbus.Handle
	closers  []func() error
}

// newDaemon builds the component graph described by cfg. Nothing listens
// until start.
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	if err := d.build(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build() error {
	var plog log.Logger = log.NoopLogger{}
	if d.cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(d.cfg.ProtocolLog)
		if err != nil {
			return fmt.Errorf("protocol log: %w", err)
		}
		d.plog = fl
		d.closers = append(d.closers, fl.Close)
		plog = fl
		if d.logger.Enabled(context.Background(), slog.LevelDebug) {
			plog = log.NewMultiLogger(fl, log.NewSlogAdapter(d.logger))
		}
	}

	if err := d.buildSecurity(); err != nil {
		return err
	}
	if err := d.buildBootstrap(); err != nil {
		return err
	}

	format, err := d.cfg.ContentFormat()
	if err != nil {
		return err
	}

	lcfg := transport.ListenerConfig{
		Handler: transport.HandlerFunc(func(ctx context.Context, s *transport.Session, msg *wire.Message) *wire.Message {
			return d.server.HandleMessage(ctx, s, msg)
		}),
		HandshakeTimeout: d.cfg.Request.HandshakeTimeout,
		Reliable: transport.ReliableConfig{
			AckTimeout:      d.cfg.Request.AckTimeout,
			AckRandomFactor: d.cfg.Request.AckRandomFactor,
			MaxRetransmit:   d.cfg.Request.MaxRetransmit,
		},
		ProtocolLogger: plog,
		Logger:         d.logger,
	}
	switch {
	case !d.cfg.DTLS.Enabled:
		lcfg.Dial = transport.UDPDialer()
	case d.cfg.DTLS.CertFile == "":
		lcfg.Dial = transport.DTLSDialer(d.store)
	}
	d.listener = transport.NewListener(lcfg)
	d.security.SetSessionDropper(d.listener)

	scfg := server.DefaultConfig()
	scfg.Transport = d.listener.Reliable()
	scfg.Sessions = d.listener
	scfg.Security = d.security
	scfg.Bootstrap = d.bootstrap
	scfg.Registration = d.cfg.RegistrationConfig()
	scfg.Presence = d.cfg.PresenceConfig()
	scfg.Request = d.cfg.RequestConfig()
	if lcfg.Dial != nil {
		scfg.Request.Sessions = d.listener
	}
	scfg.Format = format
	scfg.ProtocolLogger = plog
	scfg.Logger = d.logger
	d.server, err = server.New(scfg)
	if err != nil {
		return err
	}

	if d.bootstrap != nil {
		d.bsHandle = d.bootstrap.Events().Subscribe(
			func(e bootstrap.Event) bool { return e.Kind == bootstrap.EventFinished },
			d.admitProvisioned,
		)
	}

	if d.cfg.MQTT.Broker != "" {
		clientID := d.cfg.MQTT.ClientID
		if clientID == "" {
			clientID = d.cfg.Name
		}
		d.mqtt, err = eventbridge.DialMQTT(eventbridge.MQTTConfig{
			Broker:   d.cfg.MQTT.Broker,
			ClientID: clientID,
			Username: d.cfg.MQTT.Username,
			Password: d.cfg.MQTT.Password,
			QoS:      d.cfg.MQTT.QoS,
			Retained: d.cfg.MQTT.Retained,
		})
		if err != nil {
			return err
		}
		d.closers = append(d.closers, d.mqtt.Close)
		d.bridge = eventbridge.New(d.mqtt, eventbridge.Config{Prefix: d.cfg.MQTT.Prefix, Logger: d.logger})
		if err := d.bridge.Attach(d.server.Registrations(), d.server.Presence(), d.server.Observations()); err != nil {
			return err
		}
	}

	if d.cfg.Discovery.Enabled {
		d.advertiser = discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{
			Interface: d.cfg.Discovery.Interface,
			TTL:       d.cfg.Discovery.TTL,
			Logger:    d.logger,
		})
	}
	return nil
}

func (d *daemon) buildSecurity() error {
	if d.cfg.Security.Database == "" {
		d.store = security.NewMemoryStore()
	} else {
		var opts []security.SQLiteOption
		if d.cfg.Security.AgeIdentityFile != "" {
			key, err := os.ReadFile(d.cfg.Security.AgeIdentityFile)
			if err != nil {
				return fmt.Errorf("age identity: %w", err)
			}
			sealer, err := security.NewAgeSealer(strings.TrimSpace(string(key)))
			if err != nil {
				return err
			}
			opts = append(opts, security.WithSealer(sealer))
		}
		st, err := security.NewSQLiteStore(d.cfg.Security.Database, opts...)
		if err != nil {
			return err
		}
		d.store = st
		d.closers = append(d.closers, st.Close)
	}

	anchors, err := cert.LoadTrustAnchors(d.cfg.Security.TrustAnchors...)
	if err != nil {
		return err
	}
	policy, err := security.ParseCNPolicy(d.cfg.Security.CNPolicy)
	if err != nil {
		return err
	}
	d.security = security.NewManager(d.store, security.Config{
		TrustAnchors:   anchors,
		CNPolicy:       policy,
		AllowUnsecured: d.cfg.Security.AllowUnsecured || !d.cfg.DTLS.Enabled,
		Logger:         d.logger,
	})
	return nil
}

func (d *daemon) buildBootstrap() error {
	bc := d.cfg.Bootstrap
	if bc.ConfigFile == "" {
		return nil
	}
	store, err := bootstrap.NewFileStore(bc.ConfigFile)
	if err != nil {
		return err
	}
	ccfg := bootstrap.CoordinatorConfig{Store: store, Logger: d.logger}
	if f, err := d.cfg.ContentFormat(); err == nil {
		ccfg.Format = f
	}
	if bc.MasterSecretFile != "" {
		secret, err := os.ReadFile(bc.MasterSecretFile)
		if err != nil {
			return fmt.Errorf("bootstrap master secret: %w", err)
		}
		ccfg.Deriver, err = bootstrap.NewKeyDeriver(secret, []byte(bc.Salt))
		if err != nil {
			return err
		}
	}
	d.bootstrap = bootstrap.NewCoordinator(ccfg)
	d.closers = append(d.closers, func() error { d.bootstrap.Close(); return nil })
	return nil
}

// admitProvisioned stores the PSK credentials a finished bootstrap handed
// to the device, so its following registration authenticates.
func (d *daemon) admitProvisioned(e bootstrap.Event) {
	cfg, err := d.bootstrap.ComputeConfig(context.Background(), e.Endpoint, security.Credentials{}, "")
	if err != nil {
		d.logger.Warn("provisioned credentials unavailable", "endpoint", e.Endpoint, "error", err)
		return
	}
	for _, info := range bootstrap.ProvisionedSecurity(e.Endpoint, cfg) {
		if _, err := d.security.Add(info); err != nil {
			d.logger.Warn("admit provisioned credentials", "endpoint", e.Endpoint, "error", err)
			continue
		}
		d.logger.Info("device credentials provisioned", "endpoint", e.Endpoint, "identity", info.PSKIdentity)
	}
}

// addPSK registers "endpoint=identity:hexkey" credentials.
func (d *daemon) addPSK(spec string) error {
	endpoint, rest, ok := strings.Cut(spec, "=")
	identity, hexKey, ok2 := strings.Cut(rest, ":")
	if !ok || !ok2 || endpoint == "" || identity == "" {
		return fmt.Errorf("psk %q: want endpoint=identity:hexkey", spec)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) == 0 {
		return fmt.Errorf("psk %q: invalid key", spec)
	}
	_, err = d.security.Add(&security.SecurityInfo{
		Endpoint:    endpoint,
		Mode:        security.ModePSK,
		PSKIdentity: identity,
		PSKKey:      key,
	})
	return err
}

// start opens the socket, then starts the engine and advertisement.
func (d *daemon) start(ctx context.Context) error {
	ln, err := d.listen()
	if err != nil {
		return err
	}
	if err := d.server.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	if err := d.listener.Start(ctx, ln); err != nil {
		_ = d.server.Stop()
		return err
	}
	d.logger.Info("listening", "addr", ln.Addr().String(), "dtls", d.cfg.DTLS.Enabled)

	if d.advertiser != nil {
		if err := d.advertise(ln.Addr()); err != nil {
			d.logger.Warn("mdns advertisement failed", "error", err)
		}
	}
	return nil
}

func (d *daemon) listen() (net.Listener, error) {
	if !d.cfg.DTLS.Enabled {
		return transport.ListenUDP(d.cfg.Listen)
	}
	opts := transport.DTLSOptions{
		IdentityHint:      d.cfg.DTLS.IdentityHint,
		RequireClientCert: d.cfg.DTLS.RequireClientCert,
	}
	if d.cfg.DTLS.CertFile != "" {
		pair, err := cert.LoadKeyPair(d.cfg.DTLS.CertFile, d.cfg.DTLS.KeyFile)
		if err != nil {
			return nil, err
		}
		opts.Certificates = []tls.Certificate{pair}
	}
	return transport.ListenDTLS(d.cfg.Listen, transport.DTLSConfig(d.security, opts))
}

func (d *daemon) advertise(addr net.Addr) error {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return err
	}
	format, _ := d.cfg.ContentFormat()
	info := &discovery.ServerInfo{
		Kind:          discovery.KindServer,
		Name:          d.cfg.Name,
		Port:          uint16(port),
		SecurityModes: d.cfg.SecurityModes(),
		Formats:       []uint16{uint16(format)},
	}
	if err := d.advertiser.Advertise(info); err != nil {
		return err
	}
	if d.cfg.Discovery.Bootstrap && d.bootstrap != nil {
		bs := *info
		bs.Kind = discovery.KindBootstrap
		return d.advertiser.Advertise(&bs)
	}
	return nil
}

// stop shuts components down in reverse dependency order.
func (d *daemon) stop() {
	if d.advertiser != nil {
		d.advertiser.StopAll()
	}
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.listener != nil {
		_ = d.listener.Stop()
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil && !errors.Is(err, server.ErrNotStarted) {
			d.logger.Warn("server stop", "error", err)
		}
	}
	d.close()
}

func (d *daemon) close() {
	if d.bootstrap != nil && d.bsHandle != 0 {
		d.bootstrap.Events().Unsubscribe(d.bsHandle)
		d.bsHandle = 0
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close", "error", err)
		}
	}
	d.closers = nil
}
