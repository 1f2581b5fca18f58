package raopcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/airstream-project/raopcore/pkg/discovery"
)

// Collector browses _raop._tcp. and keeps the Options device inventory in
// sync with what mDNS currently sees, spec.md §3's "Discovery populates
// the device inventory".
type Collector struct {
	env     *Environment
	log     zerolog.Logger
	disc    *discovery.Discovery
	options *OptionsStore
	ref     string
}

// NewCollector wires a Collector around a shared Discovery instance and the
// process-wide Options bus.
func NewCollector(env *Environment, disc *discovery.Discovery, options *OptionsStore) *Collector {
	return &Collector{
		env:     env,
		log:     env.Log,
		disc:    disc,
		options: options,
	}
}

// Start begins browsing _raop._tcp. and reconciling every found/lost
// advertisement against the Options device map.
func (c *Collector) Start() {
	c.ref = c.disc.BrowseServices(discovery.RAOPServiceType, c.onFound, c.onLost)
}

// Stop tears down the browse operation.
func (c *Collector) Stop() {
	if c.ref != "" {
		c.disc.Stop(c.ref)
		c.ref = ""
	}
}

func (c *Collector) onFound(ev discovery.ServiceEvent) {
	dt, bits, err := ClassifyTXT(TXTRecord(ev.TXT))
	if err != nil {
		if errors.Is(err, ErrRedundantService) {
			c.log.Debug().Str("name", ev.Name).Msg("raop collector: dropping redundant advertisement")
		} else {
			c.log.Debug().Err(err).Str("name", ev.Name).Msg("raop collector: unsupported device rejected")
		}
		return
	}

	info := DeviceInfo{
		Type:    dt,
		AnyBits: bits,
		Name:    ev.Name,
		Addr: Addr{
			ServiceName: ev.Name,
			ServiceType: discovery.RAOPServiceType,
			Host:        ev.Host,
			Port:        ev.Port,
		},
		ZeroConf: true,
	}

	snap := c.options.Load().Clone()
	snap.Devices[info.Name] = info
	c.options.Store(snap)
}

func (c *Collector) onLost(ev discovery.ServiceEvent) {
	snap := c.options.Load().Clone()
	if _, ok := snap.Devices[ev.Name]; !ok {
		return
	}
	delete(snap.Devices, ev.Name)
	delete(snap.Activated, ev.Name)
	c.options.Store(snap)
}

// discoveryResolver is the production Resolver (devicemanager.go's
// Resolver interface) backed by a live Discovery instance: it resolves a
// zero-conf DeviceInfo's service name to a host:port, or passes a manually
// entered address straight through.
type discoveryResolver struct {
	disc *discovery.Discovery
}

// NewDiscoveryResolver returns the production Resolver implementation.
func NewDiscoveryResolver(disc *discovery.Discovery) Resolver {
	return &discoveryResolver{disc: disc}
}

func (r *discoveryResolver) Resolve(ctx context.Context, info DeviceInfo) (string, string, error) {
	if !info.ZeroConf {
		return addrString(info.Addr.Host, info.Addr.Port), info.Addr.Host, nil
	}

	_, host, port, _, err := r.disc.ResolveService(ctx, info.Addr.ServiceName, info.Addr.ServiceType)
	if err != nil {
		return "", "", err
	}
	return addrString(host, port), host, nil
}

func addrString(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
