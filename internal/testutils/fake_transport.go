package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/protocol"
)

// Write records one WriteWithoutResponse call.
type Write struct {
	DeviceID string
	Service  string
	Char     string
	Data     []byte
}

// DiscoverCall records one DiscoverServices call.
type DiscoverCall struct {
	DeviceID string
	Filter   []string
}

// FakeTransport is an in-memory device.Transport. Behavior is scripted per device
// (profiles, connect/discovery error queues) and every call is recorded, so tests
// can drive a full session without a radio.
//
// OnDisconnect callbacks fire only through Drop, which simulates the link going
// away on its own; Disconnect never fires them.
type FakeTransport struct {
	mu sync.Mutex

	advertisements    []device.Advertisement
	advertiseInterval time.Duration
	scanErr           error

	profiles     map[string][]device.ServiceInfo
	cached       map[string][]device.ServiceInfo
	connectErrs  map[string][]error
	connectDelay time.Duration
	discoverErrs map[string][]error
	writeHook    func(w Write) error
	monitorErr   error
	connErr      error
	disconnErr   error

	connected    map[string]bool
	onDisconnect map[string]func(id string, err error)
	monitors     map[string]func(data []byte, err error)

	scanCalls      int
	activeScans    int
	maxActiveScans int
	connectCalls   []string
	discoverCalls  []DiscoverCall
	writes         []Write
	disconnects    []string
}

// NewFakeTransport returns an empty fake. Configure it with the With*/Set* methods.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		profiles:     make(map[string][]device.ServiceInfo),
		cached:       make(map[string][]device.ServiceInfo),
		connectErrs:  make(map[string][]error),
		discoverErrs: make(map[string][]error),
		connected:    make(map[string]bool),
		onDisconnect: make(map[string]func(string, error)),
		monitors:     make(map[string]func([]byte, error)),
	}
}

// ProbeProfile is the GATT layout of a genuine IHT-2PB.
func ProbeProfile() []device.ServiceInfo {
	return []device.ServiceInfo{
		{UUID: "1800", Characteristics: []string{"2a00", "2a01"}},
		{UUID: protocol.ServiceUUID, Characteristics: []string{protocol.NotifyUUID, protocol.WriteUUID}},
		{UUID: "5833ff01-9b8b-5191-6142-22a4536ef123", Characteristics: []string{protocol.IdentityUUID}},
	}
}

// GenericThermometerProfile shares the probe service but lacks the identity characteristic.
func GenericThermometerProfile() []device.ServiceInfo {
	return []device.ServiceInfo{
		{UUID: protocol.ServiceUUID, Characteristics: []string{protocol.NotifyUUID, protocol.WriteUUID}},
	}
}

// WithAdvertisements sets what Scan reports, in order.
func (f *FakeTransport) WithAdvertisements(advs ...device.Advertisement) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertisements = append([]device.Advertisement(nil), advs...)
	return f
}

// WithAdvertiseInterval delays each reported advertisement.
func (f *FakeTransport) WithAdvertiseInterval(d time.Duration) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertiseInterval = d
	return f
}

// WithScanError makes Scan fail immediately.
func (f *FakeTransport) WithScanError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanErr = err
	return f
}

// WithProfile sets the services a device exposes once connected.
func (f *FakeTransport) WithProfile(id string, services ...device.ServiceInfo) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = services
	return f
}

// WithCachedServices pre-populates the discovery cache for a device.
func (f *FakeTransport) WithCachedServices(id string, services ...device.ServiceInfo) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[id] = services
	return f
}

// WithConnectErrors queues results for successive Connect calls to id.
// A nil entry means success; once drained, Connect succeeds.
func (f *FakeTransport) WithConnectErrors(id string, errs ...error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs[id] = append(f.connectErrs[id], errs...)
	return f
}

// WithConnectDelay makes every Connect wait d (or until its context ends).
func (f *FakeTransport) WithConnectDelay(d time.Duration) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectDelay = d
	return f
}

// WithDiscoverErrors queues results for successive DiscoverServices calls to id.
func (f *FakeTransport) WithDiscoverErrors(id string, errs ...error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverErrs[id] = append(f.discoverErrs[id], errs...)
	return f
}

// SetWriteHook installs fn to decide the outcome of every write.
func (f *FakeTransport) SetWriteHook(fn func(w Write) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeHook = fn
}

// SetMonitorError makes Monitor fail.
func (f *FakeTransport) SetMonitorError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitorErr = err
}

// SetIsConnectedError makes IsConnected fail.
func (f *FakeTransport) SetIsConnectedError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connErr = err
}

// SetDisconnectError makes Disconnect fail (the link is still marked down).
func (f *FakeTransport) SetDisconnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnErr = err
}

// Scan implements device.Scanner.
func (f *FakeTransport) Scan(ctx context.Context, onDiscover func(device.Advertisement)) error {
	f.mu.Lock()
	f.scanCalls++
	if f.scanErr != nil {
		err := f.scanErr
		f.mu.Unlock()
		return err
	}
	f.activeScans++
	if f.activeScans > f.maxActiveScans {
		f.maxActiveScans = f.activeScans
	}
	advs := append([]device.Advertisement(nil), f.advertisements...)
	interval := f.advertiseInterval
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.activeScans--
		f.mu.Unlock()
	}()

	for _, adv := range advs {
		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onDiscover(adv)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Connect implements device.Transport.
func (f *FakeTransport) Connect(ctx context.Context, id string, opts device.ConnectOptions) error {
	f.mu.Lock()
	f.connectCalls = append(f.connectCalls, id)
	delay := f.connectDelay
	var err error
	if q := f.connectErrs[id]; len(q) > 0 {
		err, f.connectErrs[id] = q[0], q[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", id, device.NormalizeError(ctx.Err()))
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[id] = true
	if opts.OnDisconnect != nil {
		f.onDisconnect[id] = opts.OnDisconnect
	}
	return nil
}

// DiscoverServices implements device.Transport. With a filter it returns only
// the matching services; without one it returns the full profile and caches it.
func (f *FakeTransport) DiscoverServices(_ context.Context, id string, serviceUUIDs ...string) ([]device.ServiceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discoverCalls = append(f.discoverCalls, DiscoverCall{DeviceID: id, Filter: serviceUUIDs})
	if q := f.discoverErrs[id]; len(q) > 0 {
		var err error
		err, f.discoverErrs[id] = q[0], q[1:]
		if err != nil {
			return nil, err
		}
	}
	if !f.connected[id] {
		return nil, device.ErrNotConnected
	}

	profile := f.profiles[id]
	if len(serviceUUIDs) == 0 {
		f.cached[id] = profile
		return profile, nil
	}

	var out []device.ServiceInfo
	for _, svc := range profile {
		for _, want := range serviceUUIDs {
			if device.UUIDEqual(svc.UUID, want) {
				out = append(out, svc)
				break
			}
		}
	}
	return out, nil
}

// CachedServices implements device.Transport.
func (f *FakeTransport) CachedServices(id string) []device.ServiceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[id]
}

// Read implements device.Transport. The fake exposes no readable values.
func (f *FakeTransport) Read(_ context.Context, id, service, char string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[id] {
		return nil, device.ErrNotConnected
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
}

// WriteWithoutResponse implements device.Transport.
func (f *FakeTransport) WriteWithoutResponse(id, service, char string, data []byte) error {
	w := Write{DeviceID: id, Service: service, Char: char, Data: append([]byte(nil), data...)}

	f.mu.Lock()
	f.writes = append(f.writes, w)
	hook := f.writeHook
	connected := f.connected[id]
	f.mu.Unlock()

	if hook != nil {
		return hook(w)
	}
	if !connected {
		return device.ErrNotConnected
	}
	return nil
}

// Monitor implements device.Transport.
func (f *FakeTransport) Monitor(id, _, _ string, onValue func(data []byte, err error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitorErr != nil {
		return f.monitorErr
	}
	if !f.connected[id] {
		return device.ErrNotConnected
	}
	f.monitors[id] = onValue
	return nil
}

// IsConnected implements device.Transport.
func (f *FakeTransport) IsConnected(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connErr != nil {
		return false, f.connErr
	}
	return f.connected[id], nil
}

// Disconnect implements device.Transport. Disconnecting an idle device reports
// ErrNotConnected, like real stacks do.
func (f *FakeTransport) Disconnect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects = append(f.disconnects, id)
	was := f.connected[id]
	delete(f.connected, id)
	delete(f.monitors, id)
	delete(f.onDisconnect, id)

	if f.disconnErr != nil {
		return f.disconnErr
	}
	if !was {
		return device.ErrNotConnected
	}
	return nil
}

// Notify delivers data to the monitor registered for id. It reports false
// when nothing is monitoring.
func (f *FakeTransport) Notify(id string, data []byte) bool {
	f.mu.Lock()
	fn := f.monitors[id]
	f.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(data, nil)
	return true
}

// FailMonitor delivers err to the monitor registered for id.
func (f *FakeTransport) FailMonitor(id string, err error) bool {
	f.mu.Lock()
	fn := f.monitors[id]
	f.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(nil, err)
	return true
}

// Drop simulates the link to id going down on its own.
func (f *FakeTransport) Drop(id string, err error) {
	f.mu.Lock()
	cb := f.onDisconnect[id]
	delete(f.connected, id)
	delete(f.monitors, id)
	delete(f.onDisconnect, id)
	f.mu.Unlock()

	if cb != nil {
		cb(id, err)
	}
}

// MarkConnected forces the link state of id, for warm-reuse scenarios.
func (f *FakeTransport) MarkConnected(id string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if connected {
		f.connected[id] = true
	} else {
		delete(f.connected, id)
	}
}

// ScanCalls returns how many times Scan was called.
func (f *FakeTransport) ScanCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCalls
}

// ActiveScans returns the number of scans currently running.
func (f *FakeTransport) ActiveScans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeScans
}

// MaxConcurrentScans returns the highest number of overlapping scans seen.
func (f *FakeTransport) MaxConcurrentScans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActiveScans
}

// ConnectCalls returns the device ids passed to Connect, in call order.
func (f *FakeTransport) ConnectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connectCalls...)
}

// DiscoverCalls returns every DiscoverServices call, in order.
func (f *FakeTransport) DiscoverCalls() []DiscoverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DiscoverCall(nil), f.discoverCalls...)
}

// Writes returns every write, in order.
func (f *FakeTransport) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// CountWrites returns how many writes carried exactly data.
func (f *FakeTransport) CountWrites(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if string(w.Data) == string(data) {
			n++
		}
	}
	return n
}

// Disconnects returns the device ids passed to Disconnect, in call order.
func (f *FakeTransport) Disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

// Close implements devicefactory.Transport. The fake holds no resources.
func (f *FakeTransport) Close() error {
	return nil
}

// IsMonitoring reports whether a notification handler is registered for id.
func (f *FakeTransport) IsMonitoring(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitors[id] != nil
}
