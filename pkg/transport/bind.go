package transport

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/iotlib/coap/pkg/settings"
)

// Settings keys read by a Binder.
const (
	SettingBind      = "bind"
	SettingInterface = "interface"
	SettingPort      = "port"
)

const (
	// FirstScanPort is where the search for a free port starts when the
	// configured port is 0.
	FirstScanPort = 42400

	// ScanRange is the number of ports tried from FirstScanPort.
	ScanRange = 1000
)

// bindConfig is one snapshot of the binding settings.
type bindConfig struct {
	bind  bool
	iface string
	port  int
}

// Binder keeps a UDP transport bound according to a settings store. Each
// settings change is applied: bind=false closes the socket, a changed
// interface or port rebinds it, and port 0 picks the first free port from
// FirstScanPort.
type Binder struct {
	store *settings.Store
	udp   *UDP

	mu      sync.Mutex
	last    bindConfig
	applied bool
}

// BindFromSettings applies the current settings to u and re-applies them
// on every change of store.
func BindFromSettings(store *settings.Store, u *UDP) (*Binder, error) {
	b := &Binder{store: store, udp: u}
	err := b.Apply()
	store.OnChange(func() {
		if err := b.Apply(); err != nil && u.log != nil {
			u.log.Warnf("applying bind settings: %v", err)
		}
	})
	return b, err
}

func (b *Binder) read() bindConfig {
	return bindConfig{
		bind:  b.store.Bool(SettingBind, true),
		iface: b.store.String(SettingInterface, ""),
		port:  b.store.Int(SettingPort, 0),
	}
}

// Apply binds the transport to the current settings. Unchanged settings
// leave the socket alone.
func (b *Binder) Apply() error {
	cfg := b.read()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.applied && cfg == b.last && (b.udp.IsBound() == cfg.bind) {
		return nil
	}

	if !cfg.bind {
		b.udp.Unbind()
		b.last, b.applied = cfg, true
		return nil
	}

	host, err := interfaceHost(cfg.iface)
	if err != nil {
		b.applied = false
		return err
	}

	if cfg.port != 0 {
		err = b.udp.Rebind(net.JoinHostPort(host, strconv.Itoa(cfg.port)))
	} else {
		err = b.scan(host)
	}
	if err != nil {
		b.applied = false
		return err
	}
	b.last, b.applied = cfg, true
	return nil
}

func (b *Binder) scan(host string) error {
	for port := FirstScanPort; port < FirstScanPort+ScanRange && port <= 65535; port++ {
		err := b.udp.Rebind(net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
	}
	return ErrNoFreePort
}

// interfaceHost turns the interface setting into a listen host. An IP
// address is used as is; anything else is taken as a network interface
// name and resolved to its first address. Empty means all interfaces.
func interfaceHost(iface string) (string, error) {
	if iface == "" {
		return "", nil
	}
	if addr, err := netip.ParseAddr(iface); err == nil {
		return addr.String(), nil
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if prefix, err := netip.ParsePrefix(a.String()); err == nil {
			return prefix.Addr().String(), nil
		}
	}
	return "", &net.AddrError{Err: "no address on interface", Addr: iface}
}
