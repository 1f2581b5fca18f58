// Package discovery is the mDNS/DNS-SD façade of spec.md §4.1: a
// process-wide wrapper around github.com/brutella/dnssd's pure-Go
// multicast DNS implementation, exposing the browse/query/resolve/
// register/fullName/isAvailable/start/stop vocabulary the rest of
// raopcore is built against.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/rs/zerolog"
)

// Well-known RAOP/DACP service types, spec.md §4.1/§4.9.
const (
	RAOPServiceType = "_raop._tcp"
	DACPServiceType = "_dacp._tcp"
	localDomain     = "local."
)

// probeTimeout bounds IsAvailable()'s best-effort multicast probe.
const probeTimeout = 300 * time.Millisecond

// ServiceEvent reports a browse or resolve result, spec.md §4.1's
// onServiceFound(ref,name,type)/onServiceLost(...).
type ServiceEvent struct {
	Name    string
	Type    string
	Host    string
	Port    int
	TXT     map[string]string
	Removed bool
}

// operationRef is one entry in the reactor set: a running goroutine driving
// a single browse/resolve operation, cancellable independently of the rest.
type operationRef struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Discovery is the singleton spec.md §4.1 describes: the Device Manager and
// the DACP server each hold one, constructed once per process via New.
type Discovery struct {
	log zerolog.Logger

	mu          sync.Mutex
	refs        map[string]*operationRef
	nextRefID   int
	responder   dnssd.Responder
	respCancel  context.CancelFunc
	respStarted bool
}

// New constructs an idle Discovery; nothing touches the network until a
// browse/resolve/register call starts a reactor ref.
func New(log zerolog.Logger) *Discovery {
	return &Discovery{
		log:  log,
		refs: make(map[string]*operationRef),
	}
}

// FullName constructs "name._type.local." per DNS-SD naming rules, spec.md
// §4.1's fullName(name,type).
func FullName(name, svcType string) string {
	return fmt.Sprintf("%s.%s.%s", name, svcType, localDomain)
}

// IsAvailable probes the local multicast-DNS path by attempting a bounded
// lookup; pure-Go dnssd has no separate daemon to query a version property
// from (unlike the original implementation's Bonjour/Avahi client), so
// "available" here means "the OS will let us join the multicast group",
// see DESIGN.md.
func (d *Discovery) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := dnssd.LookupType(ctx, RAOPServiceType,
		func(dnssd.BrowseEntry) {},
		func(dnssd.BrowseEntry) {},
	)
	return err == nil || err == context.DeadlineExceeded
}

// BrowseServices implements spec.md §4.1 browseServices(type): starts a
// background lookup and returns an opaque ref immediately; onFound/onLost
// are invoked from the reactor goroutine for the lifetime of the ref, until
// Stop(ref) or Close().
func (d *Discovery) BrowseServices(svcType string, onFound, onLost func(ServiceEvent)) string {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	ref := d.newRef(cancel, done)

	go func() {
		defer close(done)
		err := dnssd.LookupType(ctx, svcType,
			func(e dnssd.BrowseEntry) { onFound(toServiceEvent(e, false)) },
			func(e dnssd.BrowseEntry) { onLost(toServiceEvent(e, true)) },
		)
		if err != nil && ctx.Err() == nil {
			d.log.Warn().Err(err).Str("type", svcType).Msg("discovery: browse stopped")
		}
	}()

	return ref
}

// ResolveService implements spec.md §4.1 resolveService(name,type): blocks
// until the instance resolves or ctx is cancelled, returning
// (fullName, host, port, txt).
func (d *Discovery) ResolveService(ctx context.Context, name, svcType string) (string, string, int, map[string]string, error) {
	instance := FullName(name, svcType)

	type result struct {
		ev  ServiceEvent
		err error
	}
	resultCh := make(chan result, 1)

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		err := dnssd.LookupInstance(lookupCtx, instance, func(e dnssd.BrowseEntry) {
			select {
			case resultCh <- result{ev: toServiceEvent(e, false)}:
			default:
			}
			cancel()
		}, func(dnssd.BrowseEntry) {})
		if err != nil && lookupCtx.Err() == nil {
			select {
			case resultCh <- result{err: err}:
			default:
			}
		}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return "", "", 0, nil, r.err
		}
		return instance, r.ev.Host, r.ev.Port, r.ev.TXT, nil
	case <-ctx.Done():
		return "", "", 0, nil, ctx.Err()
	}
}

// QueryService implements spec.md §4.1 queryService(rrname,rrtype): a
// one-shot resolve that returns only the TXT map, discarding host/port.
func (d *Discovery) QueryService(ctx context.Context, name, svcType string) (map[string]string, error) {
	_, _, _, txt, err := d.ResolveService(ctx, name, svcType)
	if err != nil {
		return nil, err
	}
	return txt, nil
}

// RegisterService implements spec.md §4.1 registerService(name,type,port,txt):
// advertises a service via the shared Responder, starting its reactor loop
// on first use.
func (d *Discovery) RegisterService(name, svcType string, port int, txt map[string]string) (string, error) {
	cfg := dnssd.Config{ //nolint:exhaustruct
		Name: name,
		Type: svcType,
		Port: port,
		Text: txt,
	}
	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return "", fmt.Errorf("discovery: build service: %w", err)
	}

	d.mu.Lock()
	if err := d.ensureResponderLocked(); err != nil {
		d.mu.Unlock()
		return "", err
	}
	responder := d.responder
	d.mu.Unlock()

	handle, err := responder.Add(svc)
	if err != nil {
		return "", fmt.Errorf("discovery: register service: %w", err)
	}

	ref := d.newRef(func() { responder.Remove(handle) }, nil)
	return ref, nil
}

// ensureResponderLocked lazily starts the single Responder goroutine that
// answers queries for every registered service, spec.md §4.1's "single
// background reactor thread". Must be called with d.mu held.
func (d *Discovery) ensureResponderLocked() error {
	if d.respStarted {
		return nil
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("discovery: new responder: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.responder = rp
	d.respCancel = cancel
	d.respStarted = true

	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("discovery: responder stopped")
		}
	}()
	return nil
}

func (d *Discovery) newRef(cancel context.CancelFunc, done chan struct{}) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextRefID++
	ref := fmt.Sprintf("ref-%d", d.nextRefID)
	d.refs[ref] = &operationRef{cancel: cancel, done: done}
	return ref
}

// Stop removes ref from the reactor set, spec.md §4.1 stop(ref). It blocks
// until the associated goroutine (if any) has exited.
func (d *Discovery) Stop(ref string) {
	d.mu.Lock()
	op, ok := d.refs[ref]
	if ok {
		delete(d.refs, ref)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	op.cancel()
	if op.done != nil {
		<-op.done
	}
}

// Close stops every outstanding ref and the shared Responder. Discovery
// refs are always deallocated on the reactor-stop path, spec.md §4.4
// "Cancellation".
func (d *Discovery) Close() {
	d.mu.Lock()
	refs := make([]string, 0, len(d.refs))
	for ref := range d.refs {
		refs = append(refs, ref)
	}
	d.mu.Unlock()

	for _, ref := range refs {
		d.Stop(ref)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.respStarted {
		d.respCancel()
		d.respStarted = false
	}
}

func toServiceEvent(e dnssd.BrowseEntry, removed bool) ServiceEvent {
	ev := ServiceEvent{
		Name:    e.Name,
		Type:    e.Type,
		Port:    e.Port,
		TXT:     e.Text,
		Removed: removed,
	}
	if len(e.IPs) > 0 {
		ev.Host = e.IPs[0].String()
	}
	return ev
}
