package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/ditto-runner/internal/engine"
	"github.com/terrpan/ditto-runner/internal/userdata"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	getCalls    []*computepb.GetInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	closed      bool

	// statuses is consumed one entry per Get call; the last entry repeats.
	statuses []string

	insertErr error
	insertOp  operationWaiter
	getErr    error
	deleteErr error
	deleteOp  operationWaiter
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
		statuses: []string{"RUNNING"},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls = append(m.getCalls, req)
	if m.getErr != nil {
		return nil, m.getErr
	}
	idx := min(len(m.getCalls)-1, len(m.statuses)-1)
	return &computepb.Instance{
		Name:   proto.String(req.GetInstance()),
		Status: proto.String(m.statuses[idx]),
	}, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	logger *slog.Logger
	cfg    Config
}

func (s *GCPEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:     "test-project",
		Zone:        "us-central1-a",
		MachineType: "e2-medium",
		Image:       "projects/test-project/global/images/runner-image",
		DiskSizeGB:  50,
		Network:     "default",
		PublicIP:    true,
		Script: userdata.Options{
			GitHubURL: "https://github.com",
			Owner:     "org",
			Repo:      "repo",
		},
		PollInterval: time.Millisecond,
		MaxAttempts:  5,
	}
}

func (s *GCPEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.cfg, s.logger)
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

func metadataValue(inst *computepb.Instance, key string) (string, bool) {
	for _, item := range inst.GetMetadata().GetItems() {
		if item.GetKey() == key {
			return item.GetValue(), true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Launch tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestLaunch_Success() {
	id, err := s.newEngine().Launch(s.ctx, "TKN", "ubuntu-latest")
	require.NoError(s.T(), err)
	assert.True(s.T(), strings.HasPrefix(id, "ditto-system-tests-runner-ubuntu-latest-"), id)

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), id, inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-medium")
	assert.Equal(s.T(), []string{NetworkTag}, inst.GetTags().GetItems())

	script, ok := metadataValue(inst, "startup-script")
	require.True(s.T(), ok, "startup script should be in instance metadata")
	assert.True(s.T(), strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(s.T(), script, "--url https://github.com/org/repo")
	assert.Contains(s.T(), script, "--token TKN")
}

func (s *GCPEngineSuite) TestLaunch_DiskConfig() {
	s.cfg.DiskSizeGB = 100

	_, err := s.newEngine().Launch(s.ctx, "TKN", "disk")
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
}

func (s *GCPEngineSuite) TestLaunch_Network() {
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/my-subnet"
	s.cfg.PublicIP = false

	_, err := s.newEngine().Launch(s.ctx, "TKN", "net")
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Equal(s.T(), "global/networks/default", nic.GetNetwork())
	assert.Equal(s.T(), s.cfg.Subnet, nic.GetSubnetwork())
	assert.Empty(s.T(), nic.GetAccessConfigs())
}

func (s *GCPEngineSuite) TestLaunch_ServiceAccountAndLabels() {
	s.cfg.ServiceAccount = "runner@test-project.iam.gserviceaccount.com"
	s.cfg.Labels = map[string]string{"Project": "Ditto Tests"}

	_, err := s.newEngine().Launch(s.ctx, "TKN", "sa")
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	assert.Equal(s.T(), s.cfg.ServiceAccount, inst.GetServiceAccounts()[0].GetEmail())
	assert.Equal(s.T(), map[string]string{"project": "ditto-tests"}, inst.GetLabels())
}

func (s *GCPEngineSuite) TestLaunch_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")

	_, err := s.newEngine().Launch(s.ctx, "TKN", "fail")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
	assert.Len(s.T(), s.client.insertCalls, 1, "launch is never retried")
}

func (s *GCPEngineSuite) TestLaunch_OperationWaitError() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}

	_, err := s.newEngine().Launch(s.ctx, "TKN", "timeout")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
}

func (s *GCPEngineSuite) TestLaunch_InvalidGitHubURL() {
	s.cfg.Script.GitHubURL = ""

	_, err := s.newEngine().Launch(s.ctx, "TKN", "x")
	assert.Error(s.T(), err)
	assert.Empty(s.T(), s.client.insertCalls)
}

// ---------------------------------------------------------------------------
// AwaitRunning tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestAwaitRunning_ProvisioningThenRunning() {
	s.client.statuses = []string{"PROVISIONING", "STAGING", "RUNNING"}

	err := s.newEngine().AwaitRunning(s.ctx, "vm-1")
	require.NoError(s.T(), err)
	assert.Len(s.T(), s.client.getCalls, 3)
	assert.Equal(s.T(), "vm-1", s.client.getCalls[0].GetInstance())
}

func (s *GCPEngineSuite) TestAwaitRunning_Exhausted() {
	s.client.statuses = []string{"STAGING"}

	err := s.newEngine().AwaitRunning(s.ctx, "vm-stuck")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, engine.ErrNotRunning)
	assert.Len(s.T(), s.client.getCalls, 5, "polls exactly MaxAttempts times")
	assert.Empty(s.T(), s.client.deleteCalls, "VM must not be deleted automatically")
}

func (s *GCPEngineSuite) TestAwaitRunning_TerminalState() {
	s.client.statuses = []string{"PROVISIONING", "TERMINATED"}

	err := s.newEngine().AwaitRunning(s.ctx, "vm-dead")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, engine.ErrNotRunning)
	assert.Contains(s.T(), err.Error(), "TERMINATED")
	assert.Len(s.T(), s.client.getCalls, 2)
}

func (s *GCPEngineSuite) TestAwaitRunning_GetError() {
	s.client.getErr = fmt.Errorf("permission denied")

	err := s.newEngine().AwaitRunning(s.ctx, "vm-1")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, engine.ErrNotRunning)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

func (s *GCPEngineSuite) TestAwaitRunning_ContextCancelled() {
	s.client.statuses = []string{"STAGING"}
	s.cfg.PollInterval = time.Hour
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	err := s.newEngine().AwaitRunning(ctx, "vm-1")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, engine.ErrNotRunning)
	assert.ErrorIs(s.T(), err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Terminate tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestTerminate_Success() {
	err := s.newEngine().Terminate(s.ctx, "vm-1")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "vm-1", req.GetInstance())
}

func (s *GCPEngineSuite) TestTerminate_DeleteError() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")

	err := s.newEngine().Terminate(s.ctx, "vm-gone")
	require.Error(s.T(), err, "already-deleted VMs are reported as the provider reports them")
	assert.ErrorIs(s.T(), err, engine.ErrTerminate)
}

func (s *GCPEngineSuite) TestTerminate_WaitError() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("network error")}

	err := s.newEngine().Terminate(s.ctx, "vm-1")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, engine.ErrTerminate)
	assert.Contains(s.T(), err.Error(), "network error")
}

func (s *GCPEngineSuite) TestClose() {
	require.NoError(s.T(), s.newEngine().Close())
	assert.True(s.T(), s.client.closed)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestLabels_Empty() {
	assert.Nil(s.T(), labels(nil))
}

func (s *GCPEngineSuite) TestNewEngine_DefaultWaitBudget() {
	s.cfg.PollInterval = 0
	s.cfg.MaxAttempts = 0

	e := s.newEngine()
	assert.Equal(s.T(), 15*time.Second, e.cfg.PollInterval)
	assert.Equal(s.T(), 40, e.cfg.MaxAttempts)
}
