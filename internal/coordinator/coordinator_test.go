package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"aldesbridge/internal/aldes"
	"aldesbridge/internal/clock"
	"aldesbridge/internal/decode"
	"aldesbridge/internal/device"
	"aldesbridge/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func floatPtr(v float64) *float64 { return &v }

// fakeAPI is a scriptable aldes.API. The gate channels, when set, block
// SendCommand or FetchProducts until released so tests can observe
// in-flight state.
type fakeAPI struct {
	mu           sync.Mutex
	products     []aldes.Product
	fetchErr     error
	fetchCalls   int
	forcedCalls  int
	commands     []aldes.CommandPayload
	commandErr   error
	commandGate  chan struct{}
	commandEnter chan struct{}
	fetchGate    chan struct{}
	fetchEnter   chan struct{}
}

func (f *fakeAPI) Authenticate(ctx context.Context) error { return nil }

func (f *fakeAPI) FetchProducts(ctx context.Context, force bool) ([]aldes.Product, error) {
	f.mu.Lock()
	f.fetchCalls++
	if force {
		f.forcedCalls++
	}
	// Snapshot at entry, like a response already in flight on the wire.
	err := f.fetchErr
	products := f.products
	enter, gate := f.fetchEnter, f.fetchGate
	f.mu.Unlock()

	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (f *fakeAPI) SendCommand(ctx context.Context, cmd aldes.CommandPayload) error {
	if f.commandEnter != nil {
		f.commandEnter <- struct{}{}
	}
	if f.commandGate != nil {
		<-f.commandGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.commandErr
}

func (f *fakeAPI) snapshot() (fetchCalls, forcedCalls int, commands []aldes.CommandPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.forcedCalls, append([]aldes.CommandPayload(nil), f.commands...)
}

func testProduct() aldes.Product {
	return aldes.Product{
		Modem:       "mod-1",
		Type:        "TONE_AQUA_AIR",
		Name:        "Maison",
		IsConnected: true,
		Indicator: &aldes.Indicator{
			MainTemperature:  floatPtr(20.5),
			HotWaterQuantity: floatPtr(160),
			CurrentAirMode:   "B",
			CurrentWaterMode: "A",
			Thermostats: []aldes.Thermostat{
				{ThermostatID: "salon", Name: "Salon", CurrentTemperature: 19.5, TemperatureSet: 20},
			},
		},
	}
}

func newTestCoordinator(api *fakeAPI) (*Coordinator, *clock.Mock) {
	clk := clock.NewMock(time.Date(2024, 12, 20, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	dec := decode.NewDecoder(logger, clk)
	return New(api, dec, clk, m, time.Minute, logger), clk
}

func TestRefreshDecodesSnapshots(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, clk := newTestCoordinator(api)

	require.NoError(t, coord.Refresh(context.Background()))

	snap, ok := coord.Snapshot("mod-1")
	require.True(t, ok)
	assert.Equal(t, device.ModeHeat, snap.AirMode)
	assert.Equal(t, 20.5, snap.MainTemperature.Value)
	require.NotNil(t, snap.Zone("salon"))
	assert.True(t, coord.Healthy())
	assert.Equal(t, clk.Now(), coord.LastSuccess())

	snaps := coord.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "mod-1", snaps[0].DeviceID)
}

func TestSnapshotsAreIsolatedCopies(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, _ := newTestCoordinator(api)
	require.NoError(t, coord.Refresh(context.Background()))

	first, ok := coord.Snapshot("mod-1")
	require.True(t, ok)
	first.Zones[0].Setpoint = 99

	second, ok := coord.Snapshot("mod-1")
	require.True(t, ok)
	assert.Equal(t, 20.0, second.Zones[0].Setpoint, "reader mutations must not leak back")
}

func TestFailedPollKeepsLastKnownState(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()

	require.NoError(t, coord.Refresh(ctx))

	api.mu.Lock()
	api.fetchErr = &aldes.TransportError{Op: "fetch products", Status: 502}
	api.mu.Unlock()

	require.Error(t, coord.Refresh(ctx))

	snap, ok := coord.Snapshot("mod-1")
	require.True(t, ok, "last known snapshot survives a failed poll")
	assert.Equal(t, device.ModeHeat, snap.AirMode)
	assert.True(t, coord.Healthy(), "one failure is not unhealthy")
}

func TestUnhealthyAfterConsecutiveFailures(t *testing.T) {
	api := &fakeAPI{fetchErr: &aldes.TransportError{Op: "fetch products", Status: 502}}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, coord.Refresh(ctx))
	}
	assert.False(t, coord.Healthy())

	// One success resets the streak.
	api.mu.Lock()
	api.fetchErr = nil
	api.products = []aldes.Product{testProduct()}
	api.mu.Unlock()

	require.NoError(t, coord.Refresh(ctx))
	assert.True(t, coord.Healthy())
}

func TestUndecodableProductKeepsPriorSnapshot(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()

	require.NoError(t, coord.Refresh(ctx))

	broken := testProduct()
	broken.Indicator = nil
	api.mu.Lock()
	api.products = []aldes.Product{broken}
	api.mu.Unlock()

	require.NoError(t, coord.Refresh(ctx), "one bad device does not fail the poll")

	snap, ok := coord.Snapshot("mod-1")
	require.True(t, ok)
	assert.Equal(t, device.ModeHeat, snap.AirMode)
}

func TestCommandTriggersReconcilingPoll(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()

	require.NoError(t, coord.Refresh(ctx))
	require.NoError(t, coord.SetTemperature(ctx, "mod-1", "salon", 21.5))

	fetches, forced, commands := api.snapshot()
	require.Len(t, commands, 1)
	assert.Equal(t, aldes.CommandSetTemperature, commands[0].Kind)
	assert.Equal(t, 2, fetches)
	assert.Equal(t, 1, forced, "post-command poll must bypass the cache")
}

func TestSecondCommandWhileInFlightIsBusy(t *testing.T) {
	api := &fakeAPI{
		products:     []aldes.Product{testProduct()},
		commandGate:  make(chan struct{}),
		commandEnter: make(chan struct{}, 1),
	}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()

	require.NoError(t, coord.Refresh(ctx))

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- coord.SetTemperature(ctx, "mod-1", "salon", 21)
	}()
	<-api.commandEnter // first command is now inside SendCommand

	// A different command is rejected busy.
	err := coord.SetMode(ctx, "mod-1", device.ModeOff)
	var busyErr *aldes.BusyError
	require.ErrorAs(t, err, &busyErr)
	assert.Equal(t, "mod-1", busyErr.DeviceID)

	// A retry of the same command is dropped as a duplicate.
	assert.NoError(t, coord.SetTemperature(ctx, "mod-1", "salon", 21))

	close(api.commandGate)
	require.NoError(t, <-firstDone)

	_, _, commands := api.snapshot()
	assert.Len(t, commands, 1, "neither the busy nor the duplicate call reached the vendor")

	// With the flight over, new commands pass again.
	require.NoError(t, coord.SetMode(ctx, "mod-1", device.ModeOff))
}

func TestReconcileWaitsForInFlightPoll(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()

	require.NoError(t, coord.Refresh(ctx))

	api.mu.Lock()
	api.fetchEnter = make(chan struct{}, 1)
	api.fetchGate = make(chan struct{})
	api.mu.Unlock()

	// A scheduled poll is on the wire, still carrying pre-command state.
	pollDone := make(chan error, 1)
	go func() { pollDone <- coord.Refresh(ctx) }()
	<-api.fetchEnter

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- coord.SetMode(ctx, "mod-1", device.ModeOff) }()

	// The device applies the command while the old poll is still blocked.
	off := testProduct()
	off.Indicator.CurrentAirMode = "A"
	api.mu.Lock()
	api.products = []aldes.Product{off}
	api.mu.Unlock()

	close(api.fetchGate)
	require.NoError(t, <-pollDone)
	require.NoError(t, <-cmdDone)

	fetches, forced, commands := api.snapshot()
	require.Len(t, commands, 1)
	assert.Equal(t, 3, fetches, "the reconciling poll must not be dropped")
	assert.Equal(t, 1, forced)

	// The reconcile ran after the stale poll and won.
	snap, ok := coord.Snapshot("mod-1")
	require.True(t, ok)
	assert.Equal(t, device.ModeOff, snap.AirMode)
}

func TestCommandOnUnknownDevice(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()
	require.NoError(t, coord.Refresh(ctx))

	var validationErr *aldes.ValidationError
	err := coord.SetMode(ctx, "mod-9", device.ModeOff)
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "device_id", validationErr.Field)

	_, _, commands := api.snapshot()
	assert.Empty(t, commands)
}

func TestObserverReceivesUpdates(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, _ := newTestCoordinator(api)

	var (
		mu       sync.Mutex
		received []string
	)
	coord.Subscribe(func(deviceID string, snap *device.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, deviceID)
		snap.Name = "mutated" // must not affect the coordinator's copy
	})

	require.NoError(t, coord.Refresh(context.Background()))

	mu.Lock()
	assert.Equal(t, []string{"mod-1"}, received)
	mu.Unlock()

	snap, ok := coord.Snapshot("mod-1")
	require.True(t, ok)
	assert.Equal(t, "Maison", snap.Name)
}

func TestPollLoopFollowsClock(t *testing.T) {
	api := &fakeAPI{products: []aldes.Product{testProduct()}}
	coord, clk := newTestCoordinator(api)

	require.NoError(t, coord.Start(context.Background()))
	defer coord.Stop()

	fetches, _, _ := api.snapshot()
	require.Equal(t, 1, fetches, "Start runs the first poll synchronously")

	// The loop registers its timer asynchronously; keep advancing until
	// the scheduled poll lands.
	require.Eventually(t, func() bool {
		clk.Advance(time.Minute)
		n, _, _ := api.snapshot()
		return n >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestFailedCommandSkipsReconcile(t *testing.T) {
	api := &fakeAPI{
		products:   []aldes.Product{testProduct()},
		commandErr: &aldes.TransportError{Op: "send command", Status: 500},
	}
	coord, _ := newTestCoordinator(api)
	ctx := context.Background()

	require.NoError(t, coord.Refresh(ctx))

	var transportErr *aldes.TransportError
	err := coord.SetMode(ctx, "mod-1", device.ModeOff)
	require.ErrorAs(t, err, &transportErr)

	fetches, forced, _ := api.snapshot()
	assert.Equal(t, 1, fetches, "no reconciling poll after a failed command")
	assert.Zero(t, forced)
}
