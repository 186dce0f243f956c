package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL. Default: 120 seconds.
	TTL time.Duration

	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// MDNSAdvertiser advertises at most one server and one bootstrap server.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu      sync.Mutex
	servers map[ServiceKind]*zeroconf.Server
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &MDNSAdvertiser{
		config:  config,
		servers: make(map[ServiceKind]*zeroconf.Server),
	}
}

// interfaces returns nil to use all interfaces.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise starts advertising info, replacing an earlier advertisement of
// the same kind.
func (a *MDNSAdvertiser) Advertise(info *ServerInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	txt := EncodeServerTXT(info)
	if err := ValidateTXT(txt); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.servers[info.Kind]; ok {
		old.Shutdown()
		delete(a.servers, info.Kind)
	}

	server, err := zeroconf.Register(
		info.Name,
		info.Kind.ServiceType(),
		Domain,
		int(info.Port),
		TXTRecordsToStrings(txt),
		interfaces(a.config.Interface),
		zeroconf.TTL(uint32(a.config.TTL.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", info.Kind, err)
	}
	a.servers[info.Kind] = server
	a.debugLog("advertising", "kind", info.Kind.String(), "name", info.Name, "port", info.Port)
	return nil
}

// Update replaces the TXT records of a running advertisement.
func (a *MDNSAdvertiser) Update(info *ServerInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	txt := EncodeServerTXT(info)
	if err := ValidateTXT(txt); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	server, ok := a.servers[info.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAdvertising, info.Kind)
	}
	server.SetText(TXTRecordsToStrings(txt))
	return nil
}

// Stop withdraws the advertisement of kind.
func (a *MDNSAdvertiser) Stop(kind ServiceKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if server, ok := a.servers[kind]; ok {
		server.Shutdown()
		delete(a.servers, kind)
	}
}

// StopAll withdraws every advertisement.
func (a *MDNSAdvertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, server := range a.servers {
		server.Shutdown()
		delete(a.servers, kind)
	}
}

// Advertising reports whether kind is advertised.
func (a *MDNSAdvertiser) Advertising(kind ServiceKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.servers[kind]
	return ok
}

func (a *MDNSAdvertiser) debugLog(msg string, args ...any) {
	if a.config.Logger != nil {
		a.config.Logger.Debug(msg, args...)
	}
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	Interface string
}

// MDNSBrowser finds servers on the local link.
type MDNSBrowser struct {
	config BrowserConfig
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	return &MDNSBrowser{config: config}
}

// Browse reports servers of kind until ctx ends. Entries seen on several
// interfaces are merged into one service; a service is sent once.
func (b *MDNSBrowser) Browse(ctx context.Context, kind ServiceKind) (<-chan *ServerService, error) {
	out := make(chan *ServerService)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		defer close(out)
		seen := make(map[string]*ServerService)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := entryToServer(entry, kind)
				if svc == nil {
					continue
				}
				if existing, found := seen[svc.InstanceName]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				seen[svc.InstanceName] = svc
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}
			case entry, ok := <-removed:
				if ok {
					delete(seen, entry.Instance)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, kind.ServiceType(), Domain, entries, removed, opts...)
	}()
	return out, nil
}

// Find returns the first server of kind, or ctx's error.
func (b *MDNSBrowser) Find(ctx context.Context, kind ServiceKind) (*ServerService, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, BrowseTimeout)
		defer cancel()
	}
	found, err := b.Browse(ctx, kind)
	if err != nil {
		return nil, err
	}
	select {
	case svc, ok := <-found:
		if !ok {
			return nil, ctx.Err()
		}
		return svc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func entryToServer(entry *zeroconf.ServiceEntry, kind ServiceKind) *ServerService {
	info, err := DecodeServerTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return nil
	}
	info.Kind = kind
	info.Name = entry.Instance
	info.Port = uint16(entry.Port)

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return &ServerService{
		ServerInfo:   *info,
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Addresses:    addrs,
	}
}

func mergeAddresses(have, add []string) []string {
	for _, a := range add {
		dup := false
		for _, h := range have {
			if h == a {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, a)
		}
	}
	return have
}
