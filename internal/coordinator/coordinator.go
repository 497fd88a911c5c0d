// Package coordinator owns the refresh cadence and serializes all vendor
// traffic per device: at most one fetch and one command in flight for a
// given device, enforced with explicit state flags rather than holding a
// lock across I/O.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aldesbridge/internal/aldes"
	"aldesbridge/internal/clock"
	"aldesbridge/internal/command"
	"aldesbridge/internal/decode"
	"aldesbridge/internal/device"
	"aldesbridge/internal/metrics"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// FetchState is the per-device poll state.
type FetchState int

const (
	StateIdle FetchState = iota
	StateFetching
	StateUpdated
	StateFetchFailed
)

func (s FetchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateUpdated:
		return "updated"
	case StateFetchFailed:
		return "fetch_failed"
	default:
		return "unknown"
	}
}

// unhealthyAfter is the number of consecutive failed polls before the
// bridge reports itself unhealthy.
const unhealthyAfter = 3

// Observer receives a snapshot copy after every successful device update.
type Observer func(deviceID string, snap *device.Snapshot)

// deviceRuntime is the mutable per-device record. Snapshots themselves
// are immutable; only the pointer is swapped.
type deviceRuntime struct {
	state               FetchState
	snapshot            *device.Snapshot
	commandInFlight     bool
	inFlightFingerprint string
}

// Coordinator polls one Aldes account and fans decoded snapshots out to
// observers and readers.
type Coordinator struct {
	client   aldes.API
	decoder  *decode.Decoder
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	interval time.Duration

	mu          sync.Mutex
	devices     map[string]*deviceRuntime
	fetching    bool
	fetchDone   chan struct{} // closed when the in-flight fetch finishes
	failedPolls int
	lastSuccess time.Time
	observers   []Observer

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a coordinator. interval is the poll cadence.
func New(client aldes.API, decoder *decode.Decoder, clk clock.Clock,
	m *metrics.Metrics, interval time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		client:   client,
		decoder:  decoder,
		clock:    clk,
		logger:   logger.Named("coordinator"),
		metrics:  m,
		interval: interval,
		devices:  make(map[string]*deviceRuntime),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the first poll synchronously, then keeps polling on the
// configured cadence until Stop is called. The first poll's error is
// returned so startup can fail fast on bad credentials.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}

	go c.run(ctx)
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-c.clock.After(c.interval):
			// Failures keep the last-known-good snapshot; the cadence
			// never escalates beyond the client's own retry policy.
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("Scheduled poll failed", zap.Error(err))
			}
		}
	}
}

// Stop halts the poll loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// Refresh runs one poll cycle. An overlapping call while a fetch is in
// flight is dropped, keeping at most one fetch per account.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.refresh(ctx, false)
}

// ForceRefresh polls immediately, bypassing the client's response cache.
// Unlike Refresh it is never dropped: an in-flight poll may carry state
// from before the event that demanded the forced one, so ForceRefresh
// waits for it to drain and then fetches fresh.
func (c *Coordinator) ForceRefresh(ctx context.Context) error {
	return c.refresh(ctx, true)
}

func (c *Coordinator) refresh(ctx context.Context, force bool) error {
	c.mu.Lock()
	for c.fetching {
		if !force {
			c.mu.Unlock()
			c.logger.Debug("Poll already in flight, skipping")
			return nil
		}
		done := c.fetchDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	c.fetching = true
	c.fetchDone = make(chan struct{})
	for _, rt := range c.devices {
		rt.state = StateFetching
	}
	c.mu.Unlock()

	start := time.Now()
	products, err := c.client.FetchProducts(ctx, force)
	c.metrics.PollDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.PollsTotal.WithLabelValues("failure").Inc()
		c.mu.Lock()
		c.failedPolls++
		for _, rt := range c.devices {
			rt.state = StateFetchFailed
		}
		failed := c.failedPolls
		c.fetching = false
		close(c.fetchDone)
		c.mu.Unlock()

		if failed >= unhealthyAfter {
			c.logger.Error("Consecutive poll failures, bridge unhealthy",
				zap.Int("failed_polls", failed), zap.Error(err))
		} else {
			c.logger.Warn("Poll failed, keeping last known state",
				zap.Int("failed_polls", failed), zap.Error(err))
		}
		return err
	}

	c.metrics.PollsTotal.WithLabelValues("success").Inc()
	updated := c.applyProducts(products)

	for _, snap := range updated {
		c.notify(snap)
	}
	return nil
}

// applyProducts decodes each product and swaps the held snapshots
// atomically. A product that fails to decode keeps its prior snapshot.
func (c *Coordinator) applyProducts(products []aldes.Product) []*device.Snapshot {
	var updated []*device.Snapshot

	c.mu.Lock()
	defer func() {
		c.fetching = false
		close(c.fetchDone)
		c.mu.Unlock()
	}()

	c.failedPolls = 0
	c.lastSuccess = c.clock.Now()

	for _, p := range products {
		snap, err := c.decoder.Decode(p)
		if err != nil {
			c.metrics.DecodeFailures.Inc()
			c.logger.Error("Keeping previous snapshot for undecodable device",
				zap.Error(err))
			if rt, ok := c.devices[p.Modem]; ok {
				rt.state = StateFetchFailed
			}
			continue
		}

		rt, ok := c.devices[snap.DeviceID]
		if !ok {
			rt = &deviceRuntime{}
			c.devices[snap.DeviceID] = rt
			c.logger.Info("Discovered device",
				zap.String("device_id", snap.DeviceID),
				zap.String("product_type", string(snap.ProductType)),
				zap.Int("zones", len(snap.Zones)))
		}
		rt.snapshot = snap
		rt.state = StateUpdated
		updated = append(updated, snap)
	}

	for _, rt := range c.devices {
		if rt.state == StateUpdated || rt.state == StateFetchFailed {
			rt.state = StateIdle
		}
	}
	return updated
}

func (c *Coordinator) notify(snap *device.Snapshot) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	for _, obs := range observers {
		obs(snap.DeviceID, copySnapshot(snap))
	}
}

// Subscribe registers an observer for snapshot updates.
func (c *Coordinator) Subscribe(obs func(deviceID string, snap *device.Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

// Snapshot returns a deep copy of the device's last decoded state.
func (c *Coordinator) Snapshot(deviceID string) (*device.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.devices[deviceID]
	if !ok || rt.snapshot == nil {
		return nil, false
	}
	return copySnapshot(rt.snapshot), true
}

// Snapshots returns deep copies of every known device snapshot, ordered
// by device ID.
func (c *Coordinator) Snapshots() []*device.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := make([]*device.Snapshot, 0, len(c.devices))
	for _, rt := range c.devices {
		if rt.snapshot != nil {
			snaps = append(snaps, copySnapshot(rt.snapshot))
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].DeviceID < snaps[j].DeviceID })
	return snaps
}

// Healthy reports whether recent polls are succeeding.
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedPolls < unhealthyAfter
}

// LastSuccess returns the time of the last successful poll.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// SetTemperature validates and issues a setpoint change for a zone.
func (c *Coordinator) SetTemperature(ctx context.Context, deviceID, zoneID string, value float64) error {
	snap, ok := c.Snapshot(deviceID)
	if !ok {
		return unknownDevice(deviceID)
	}
	cmd, err := command.SetTemperature(snap, zoneID, value)
	if err != nil {
		return err
	}
	return c.execute(ctx, cmd)
}

// SetMode issues an operating-mode change for a device.
func (c *Coordinator) SetMode(ctx context.Context, deviceID string, mode device.Mode) error {
	if _, ok := c.Snapshot(deviceID); !ok {
		return unknownDevice(deviceID)
	}
	cmd, err := command.SetMode(deviceID, mode)
	if err != nil {
		return err
	}
	return c.execute(ctx, cmd)
}

// SetVacation schedules or clears a vacation window. Both bounds nil
// clears; exactly one bound or start >= end is rejected before any
// network traffic.
func (c *Coordinator) SetVacation(ctx context.Context, deviceID string, start, end *time.Time) error {
	if _, ok := c.Snapshot(deviceID); !ok {
		return unknownDevice(deviceID)
	}
	cmd, err := command.SetVacation(deviceID, start, end)
	if err != nil {
		return err
	}
	return c.execute(ctx, cmd)
}

// SetFrostProtection engages or releases frost/away mode.
func (c *Coordinator) SetFrostProtection(ctx context.Context, deviceID string, enabled bool) error {
	if _, ok := c.Snapshot(deviceID); !ok {
		return unknownDevice(deviceID)
	}
	cmd, err := command.SetFrostProtection(deviceID, enabled, c.clock.Now())
	if err != nil {
		return err
	}
	return c.execute(ctx, cmd)
}

// execute submits one validated command, holding the device's
// command-in-flight flag across the send and the reconciling poll. A
// retry carrying the fingerprint of the in-flight command is dropped as
// an idempotent duplicate; anything else is rejected busy.
func (c *Coordinator) execute(ctx context.Context, cmd aldes.CommandPayload) error {
	c.mu.Lock()
	rt, ok := c.devices[cmd.DeviceID]
	if !ok {
		c.mu.Unlock()
		return unknownDevice(cmd.DeviceID)
	}
	if rt.commandInFlight {
		inFlight := rt.inFlightFingerprint
		c.mu.Unlock()
		if inFlight == cmd.Fingerprint {
			c.logger.Info("Dropping duplicate of in-flight command",
				zap.String("device_id", cmd.DeviceID),
				zap.String("fingerprint", cmd.Fingerprint))
			return nil
		}
		return &aldes.BusyError{DeviceID: cmd.DeviceID}
	}
	rt.commandInFlight = true
	rt.inFlightFingerprint = cmd.Fingerprint
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		rt.commandInFlight = false
		rt.inFlightFingerprint = ""
		c.mu.Unlock()
	}()

	err := c.client.SendCommand(ctx, cmd)
	if err != nil {
		c.metrics.CommandsTotal.WithLabelValues(string(cmd.Kind), "failure").Inc()
		c.logger.Error("Command failed",
			zap.String("command_id", cmd.ID),
			zap.String("device_id", cmd.DeviceID),
			zap.Error(err))
		return err
	}
	c.metrics.CommandsTotal.WithLabelValues(string(cmd.Kind), "success").Inc()

	// Reconcile against the vendor's true state rather than optimistically
	// mutating the snapshot; the vendor may apply commands asynchronously
	// or reject them silently.
	if err := c.ForceRefresh(ctx); err != nil {
		c.logger.Warn("Reconciling poll after command failed",
			zap.String("device_id", cmd.DeviceID), zap.Error(err))
	}
	return nil
}

func unknownDevice(deviceID string) error {
	return &aldes.ValidationError{
		Field:  "device_id",
		Reason: fmt.Sprintf("unknown device %q", deviceID),
	}
}

func copySnapshot(snap *device.Snapshot) *device.Snapshot {
	out := &device.Snapshot{}
	if err := copier.CopyWithOption(out, snap, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on invalid arguments, which cannot happen for
		// two snapshot pointers; fall back to the shared value.
		return snap
	}
	return out
}
