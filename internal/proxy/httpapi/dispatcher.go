package httpapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/proxy/coordinator"
	"github.com/relaywire/proxycore/pkg/types"
)

// CoordinatorAPI is the narrow slice of the Interception Coordinator the
// command dispatcher drives.
type CoordinatorAPI interface {
	SetInterceptRequests(on bool)
	HandlePaused(ctx context.Context, pe coordinator.PausedExchange)
	Forward(ctx context.Context, id string, edit *types.ModifiedExchange, interceptResponse *bool) error
	Drop(ctx context.Context, id string) error
	ToggleInterceptResponse(id string, enabled bool)
}

// ReplayAPI is the narrow slice of the Replay Executor the command
// dispatcher drives.
type ReplayAPI interface {
	Replay(ctx context.Context, tabID, rawRequest string)
	Cancel(tabID string)
}

// DropRecorder lets the dispatcher tell the project store about a drop,
// since coordinator.Coordinator.Drop itself never notifies the Router.
type DropRecorder interface {
	RecordDrop(id string)
}

// AckSink is the narrow slice of the Operator Channel the dispatcher
// needs to acknowledge a processed command.
type AckSink interface {
	EmitAck(command, id string, success bool, errMsg string)
}

// Dispatcher implements router.Handler, translating every inbound
// operator command into the call on the collaborator that owns it.
type Dispatcher struct {
	coordinator CoordinatorAPI
	driver      coordinator.Driver
	replay      ReplayAPI
	drops       DropRecorder
	ack         AckSink
	logger      *zap.Logger
}

// NewDispatcher constructs a Dispatcher wiring every inbound command to
// its owning collaborator.
func NewDispatcher(coord CoordinatorAPI, driver coordinator.Driver, replayExec ReplayAPI, drops DropRecorder, ack AckSink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		coordinator: coord,
		driver:      driver,
		replay:      replayExec,
		drops:       drops,
		ack:         ack,
		logger:      logger,
	}
}

// HandleCommand implements router.Handler.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd types.InboundCommand) {
	switch cmd.Command {
	case types.CmdStartBrowser:
		d.handleStartBrowser(ctx, cmd)
	case types.CmdStopBrowser:
		d.handleStopBrowser(ctx, cmd)
	case types.CmdSetIntercept:
		d.handleSetIntercept(cmd)
	case types.CmdForward:
		d.handleForward(ctx, cmd)
	case types.CmdDrop:
		d.handleDrop(ctx, cmd)
	case types.CmdReplay:
		d.handleReplay(ctx, cmd)
	case types.CmdReplayCancel:
		d.handleReplayCancel(cmd)
	case types.CmdToggleInterceptResp:
		d.handleToggleInterceptResponse(cmd)
	default:
		d.logger.Warn("unknown inbound command", zap.String("command", cmd.Command))
		d.ack.EmitAck(cmd.Command, cmd.ID, false, "unknown command")
	}
}

func (d *Dispatcher) handleStartBrowser(ctx context.Context, cmd types.InboundCommand) {
	err := d.driver.Start(ctx, func(pe coordinator.PausedExchange) {
		d.coordinator.HandlePaused(context.Background(), pe)
	})
	d.ackResult(cmd, err)
}

func (d *Dispatcher) handleStopBrowser(ctx context.Context, cmd types.InboundCommand) {
	// Drop every suspended exchange before the browser goes away.
	if stopper, ok := d.coordinator.(interface{ StopBrowser(context.Context) }); ok {
		stopper.StopBrowser(ctx)
	}
	err := d.driver.Stop(ctx)
	d.ackResult(cmd, err)
}

func (d *Dispatcher) handleSetIntercept(cmd types.InboundCommand) {
	if cmd.Enabled == nil {
		d.ack.EmitAck(cmd.Command, cmd.ID, false, "missing enabled field")
		return
	}
	d.coordinator.SetInterceptRequests(*cmd.Enabled)
	d.ack.EmitAck(cmd.Command, cmd.ID, true, "")
}

func (d *Dispatcher) handleForward(ctx context.Context, cmd types.InboundCommand) {
	err := d.coordinator.Forward(ctx, cmd.ID, cmd.Modified, cmd.InterceptResponse)
	d.ackResult(cmd, err)
}

func (d *Dispatcher) handleDrop(ctx context.Context, cmd types.InboundCommand) {
	err := d.coordinator.Drop(ctx, cmd.ID)
	if err == nil {
		d.drops.RecordDrop(cmd.ID)
	}
	d.ackResult(cmd, err)
}

func (d *Dispatcher) handleReplay(ctx context.Context, cmd types.InboundCommand) {
	// Replay runs asynchronously and reports its own outcome via a
	// replay_response message, not the ack; the ack just confirms the
	// command was accepted.
	d.replay.Replay(ctx, cmd.TabID, cmd.RawRequest)
	d.ack.EmitAck(cmd.Command, cmd.ID, true, "")
}

func (d *Dispatcher) handleReplayCancel(cmd types.InboundCommand) {
	d.replay.Cancel(cmd.TabID)
	d.ack.EmitAck(cmd.Command, cmd.ID, true, "")
}

func (d *Dispatcher) handleToggleInterceptResponse(cmd types.InboundCommand) {
	if cmd.InterceptResponse == nil {
		d.ack.EmitAck(cmd.Command, cmd.ID, false, "missing interceptResponse field")
		return
	}
	d.coordinator.ToggleInterceptResponse(cmd.ID, *cmd.InterceptResponse)
	d.ack.EmitAck(cmd.Command, cmd.ID, true, "")
}

func (d *Dispatcher) ackResult(cmd types.InboundCommand, err error) {
	if err != nil {
		d.ack.EmitAck(cmd.Command, cmd.ID, false, err.Error())
		return
	}
	d.ack.EmitAck(cmd.Command, cmd.ID, true, "")
}
