package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/terrpan/ditto-runner/internal/engine"
)

// ---------------------------------------------------------------------------
// Mock engine
// ---------------------------------------------------------------------------

type mockEngine struct {
	mu         sync.Mutex
	launched   []string // labels passed to Launch
	tokens     []string // tokens passed to Launch
	awaited    []string // ids passed to AwaitRunning
	terminated []string // ids passed to Terminate

	launchErr    error
	awaitErr     error
	terminateErr error
	nextID       int
}

func (m *mockEngine) Launch(_ context.Context, token, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.launchErr != nil {
		return "", m.launchErr
	}
	m.nextID++
	m.launched = append(m.launched, label)
	m.tokens = append(m.tokens, token)
	return fmt.Sprintf("i-%04d", m.nextID), nil
}

func (m *mockEngine) AwaitRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaited = append(m.awaited, id)
	return m.awaitErr
}

func (m *mockEngine) Terminate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, id)
	return m.terminateErr
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ControllerSuite struct {
	suite.Suite
	ctx    context.Context
	engine *mockEngine
	reader *sdkmetric.ManualReader
	ctrl   *Controller
}

func (s *ControllerSuite) SetupTest() {
	s.ctx = context.Background()
	s.engine = &mockEngine{}
	s.reader = sdkmetric.NewManualReader()
	s.ctrl = New(Config{
		Engine:        s.engine,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader)),
	})
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) collect() metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(s.T(), s.reader.Collect(s.ctx, &rm))
	return rm
}

// counter returns the summed value of the named counter, optionally
// restricted to data points carrying attr.
func (s *ControllerSuite) counter(name string, attr ...attribute.KeyValue) int64 {
	var total int64
	for _, sm := range s.collect().ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(s.T(), ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if len(attr) > 0 {
					v, found := dp.Attributes.Value(attr[0].Key)
					if !found || v.Emit() != attr[0].Value.Emit() {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func (s *ControllerSuite) startupSamples() uint64 {
	for _, sm := range s.collect().ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "ditto.runner.startup.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(s.T(), ok)
			var n uint64
			for _, dp := range hist.DataPoints {
				n += dp.Count
			}
			return n
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestStart_Success() {
	id, err := s.ctrl.Start(s.ctx, "TKN", "ubuntu")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-0001", id)

	assert.Equal(s.T(), []string{"ubuntu"}, s.engine.launched)
	assert.Equal(s.T(), []string{"TKN"}, s.engine.tokens)
	assert.Equal(s.T(), []string{"i-0001"}, s.engine.awaited)
	assert.Empty(s.T(), s.engine.terminated)

	assert.Equal(s.T(), int64(1), s.counter("ditto.runners.launched"))
	assert.Equal(s.T(), int64(1), s.counter("ditto.runners.running"))
	assert.Equal(s.T(), uint64(1), s.startupSamples())
}

func (s *ControllerSuite) TestStart_LaunchFails() {
	s.engine.launchErr = fmt.Errorf("run instances: %w", engine.ErrPlacementNotFound)

	id, err := s.ctrl.Start(s.ctx, "TKN", "ubuntu")
	require.Error(s.T(), err)
	assert.Empty(s.T(), id)
	assert.ErrorIs(s.T(), err, engine.ErrPlacementNotFound)
	assert.Empty(s.T(), s.engine.awaited, "no wait without an instance")

	assert.Equal(s.T(), int64(1), s.counter("ditto.runners.failures", attribute.String("step", StepLaunch)))
	assert.Equal(s.T(), int64(0), s.counter("ditto.runners.launched"))
}

func (s *ControllerSuite) TestStart_AwaitFailsKeepsInstance() {
	s.engine.awaitErr = fmt.Errorf("%w: timed out", engine.ErrNotRunning)

	id, err := s.ctrl.Start(s.ctx, "TKN", "ubuntu")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, engine.ErrNotRunning)
	assert.Equal(s.T(), "i-0001", id, "the launched id is reported so the caller can clean up")
	assert.Empty(s.T(), s.engine.terminated, "nothing is rolled back")

	assert.Equal(s.T(), int64(1), s.counter("ditto.runners.failures", attribute.String("step", StepAwait)))
	assert.Equal(s.T(), uint64(0), s.startupSamples())
}

func (s *ControllerSuite) TestStart_TwiceLaunchesTwice() {
	id1, err := s.ctrl.Start(s.ctx, "TKN", "a")
	require.NoError(s.T(), err)
	id2, err := s.ctrl.Start(s.ctx, "TKN", "a")
	require.NoError(s.T(), err)

	assert.NotEqual(s.T(), id1, id2)
	assert.Equal(s.T(), int64(2), s.counter("ditto.runners.launched"))
}

// ---------------------------------------------------------------------------
// Individual steps
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestAwaitRunning_Standalone() {
	require.NoError(s.T(), s.ctrl.AwaitRunning(s.ctx, "i-known"))
	assert.Equal(s.T(), []string{"i-known"}, s.engine.awaited)
	assert.Empty(s.T(), s.engine.launched)
}

func (s *ControllerSuite) TestTerminate_Success() {
	require.NoError(s.T(), s.ctrl.Terminate(s.ctx, "i-0042"))
	assert.Equal(s.T(), []string{"i-0042"}, s.engine.terminated)
	assert.Equal(s.T(), int64(1), s.counter("ditto.runners.terminated"))
}

func (s *ControllerSuite) TestTerminate_Failure() {
	cause := errors.New("UnauthorizedOperation")
	s.engine.terminateErr = fmt.Errorf("%w: %w", engine.ErrTerminate, cause)

	err := s.ctrl.Terminate(s.ctx, "i-0042")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, engine.ErrTerminate)
	assert.ErrorIs(s.T(), err, cause)

	assert.Equal(s.T(), int64(1), s.counter("ditto.runners.failures", attribute.String("step", StepTerminate)))
	assert.Equal(s.T(), int64(0), s.counter("ditto.runners.terminated"))
}

func (s *ControllerSuite) TestNew_DefaultsLoggerAndMeter() {
	c := New(Config{Engine: s.engine})
	require.NotNil(s.T(), c.logger)

	_, err := c.Start(s.ctx, "TKN", "x")
	assert.NoError(s.T(), err)
}
