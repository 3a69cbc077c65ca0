package httpapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/proxy/coordinator"
	"github.com/relaywire/proxycore/pkg/types"
)

type fakeCoordinator struct {
	interceptOn    bool
	forwardErr     error
	dropErr        error
	lastForwardID  string
	lastDropID     string
	toggledID      string
	toggledEnabled bool
	handledPause   *coordinator.PausedExchange
}

func (f *fakeCoordinator) SetInterceptRequests(on bool) { f.interceptOn = on }
func (f *fakeCoordinator) HandlePaused(ctx context.Context, pe coordinator.PausedExchange) {
	f.handledPause = &pe
}
func (f *fakeCoordinator) Forward(ctx context.Context, id string, edit *types.ModifiedExchange, interceptResponse *bool) error {
	f.lastForwardID = id
	return f.forwardErr
}
func (f *fakeCoordinator) Drop(ctx context.Context, id string) error {
	f.lastDropID = id
	return f.dropErr
}
func (f *fakeCoordinator) ToggleInterceptResponse(id string, enabled bool) {
	f.toggledID, f.toggledEnabled = id, enabled
}

type fakeDriver struct {
	startErr     error
	stopErr      error
	startedWith  func(coordinator.PausedExchange)
	stopCalled   bool
}

func (f *fakeDriver) Start(ctx context.Context, onPaused func(coordinator.PausedExchange)) error {
	f.startedWith = onPaused
	return f.startErr
}
func (f *fakeDriver) Stop(ctx context.Context) error {
	f.stopCalled = true
	return f.stopErr
}

type fakeReplay struct {
	replayedTab string
	replayedRaw string
	cancelledTab string
}

func (f *fakeReplay) Replay(ctx context.Context, tabID, rawRequest string) {
	f.replayedTab, f.replayedRaw = tabID, rawRequest
}
func (f *fakeReplay) Cancel(tabID string) { f.cancelledTab = tabID }

type fakeDropRecorder struct {
	recordedID string
}

func (f *fakeDropRecorder) RecordDrop(id string) { f.recordedID = id }

type fakeAckSink struct {
	acks []ackCall
}

type ackCall struct {
	command string
	id      string
	success bool
	errMsg  string
}

func (f *fakeAckSink) EmitAck(command, id string, success bool, errMsg string) {
	f.acks = append(f.acks, ackCall{command, id, success, errMsg})
}

func newTestDispatcher() (*Dispatcher, *fakeCoordinator, *fakeDriver, *fakeReplay, *fakeDropRecorder, *fakeAckSink) {
	coord := &fakeCoordinator{}
	driver := &fakeDriver{}
	replayExec := &fakeReplay{}
	drops := &fakeDropRecorder{}
	ack := &fakeAckSink{}
	d := NewDispatcher(coord, driver, replayExec, drops, ack, zap.NewNop())
	return d, coord, driver, replayExec, drops, ack
}

func TestDispatcher_SetIntercept(t *testing.T) {
	d, coord, _, _, _, ack := newTestDispatcher()
	enabled := true
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdSetIntercept, ID: "1", Enabled: &enabled})

	assert.True(t, coord.interceptOn)
	require.Len(t, ack.acks, 1)
	assert.True(t, ack.acks[0].success)
}

func TestDispatcher_SetIntercept_MissingField(t *testing.T) {
	d, _, _, _, _, ack := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdSetIntercept, ID: "1"})

	require.Len(t, ack.acks, 1)
	assert.False(t, ack.acks[0].success)
}

func TestDispatcher_Forward(t *testing.T) {
	d, coord, _, _, _, ack := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdForward, ID: "ex-1"})

	assert.Equal(t, "ex-1", coord.lastForwardID)
	assert.True(t, ack.acks[0].success)
}

func TestDispatcher_Forward_PropagatesError(t *testing.T) {
	d, coord, _, _, _, ack := newTestDispatcher()
	coord.forwardErr = errors.New("boom")
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdForward, ID: "ex-1"})

	assert.False(t, ack.acks[0].success)
	assert.Equal(t, "boom", ack.acks[0].errMsg)
}

func TestDispatcher_Drop_RecordsOnProjectStore(t *testing.T) {
	d, coord, _, _, drops, ack := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdDrop, ID: "ex-1"})

	assert.Equal(t, "ex-1", coord.lastDropID)
	assert.Equal(t, "ex-1", drops.recordedID)
	assert.True(t, ack.acks[0].success)
}

func TestDispatcher_Drop_SkipsRecordOnCoordinatorError(t *testing.T) {
	d, coord, _, _, drops, ack := newTestDispatcher()
	coord.dropErr = errors.New("not found")
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdDrop, ID: "ex-1"})

	assert.Empty(t, drops.recordedID)
	assert.False(t, ack.acks[0].success)
}

func TestDispatcher_Replay_AcksImmediatelyAndDispatches(t *testing.T) {
	d, _, _, replayExec, _, ack := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdReplay, ID: "1", TabID: "tab-1", RawRequest: "GET / HTTP/1.1\r\n\r\n"})

	assert.Equal(t, "tab-1", replayExec.replayedTab)
	assert.True(t, ack.acks[0].success)
}

func TestDispatcher_ReplayCancel(t *testing.T) {
	d, _, _, replayExec, _, _ := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdReplayCancel, TabID: "tab-1"})

	assert.Equal(t, "tab-1", replayExec.cancelledTab)
}

func TestDispatcher_ToggleInterceptResponse(t *testing.T) {
	d, coord, _, _, _, _ := newTestDispatcher()
	enabled := true
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdToggleInterceptResp, ID: "ex-1", InterceptResponse: &enabled})

	assert.Equal(t, "ex-1", coord.toggledID)
	assert.True(t, coord.toggledEnabled)
}

func TestDispatcher_StartBrowser_WiresPauseCallback(t *testing.T) {
	d, coord, driver, _, _, ack := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdStartBrowser, ID: "1"})

	require.NotNil(t, driver.startedWith)
	driver.startedWith(coordinator.PausedExchange{ExchangeID: "ex-1"})
	assert.NotNil(t, coord.handledPause)
	assert.Equal(t, "ex-1", coord.handledPause.ExchangeID)
	assert.True(t, ack.acks[0].success)
}

func TestDispatcher_StopBrowser(t *testing.T) {
	d, _, driver, _, _, ack := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: types.CmdStopBrowser, ID: "1"})

	assert.True(t, driver.stopCalled)
	assert.True(t, ack.acks[0].success)
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _, _, _, _, ack := newTestDispatcher()
	d.HandleCommand(context.Background(), types.InboundCommand{Command: "bogus", ID: "1"})

	require.Len(t, ack.acks, 1)
	assert.False(t, ack.acks[0].success)
}
