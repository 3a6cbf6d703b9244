package spot

import (
	"context"
	"fmt"
)

// Process executes one command and builds its reply. Timestamps inside the
// command come from cmd.Timestamp so a replayed journal reproduces the same
// events.
func (e *Engine) Process(ctx context.Context, cmd Command) Reply {
	e.stamp = cmd.Timestamp
	defer func() { e.stamp = 0 }()

	switch cmd.Type {
	case CmdCreateOrder:
		if cmd.CreateOrder == nil {
			return e.reject(cmd, ReplyOrderRejected, missingPayload(cmd.Type))
		}
		res, err := e.CreateOrder(ctx, *cmd.CreateOrder)
		if err != nil {
			return e.reject(cmd, ReplyOrderRejected, err)
		}
		return Reply{Type: ReplyOrderPlaced, Payload: res}

	case CmdCancelOrder:
		if cmd.CancelOrder == nil {
			return e.reject(cmd, ReplyOrderRejected, missingPayload(cmd.Type))
		}
		res, err := e.CancelOrder(ctx, *cmd.CancelOrder)
		if err != nil {
			return e.reject(cmd, ReplyOrderRejected, err)
		}
		return Reply{Type: ReplyOrderCancelled, Payload: res}

	case CmdGetDepth:
		if cmd.GetDepth == nil {
			return e.reject(cmd, ReplyOrderRejected, missingPayload(cmd.Type))
		}
		res, err := e.Depth(cmd.GetDepth.Market)
		if err != nil {
			return e.reject(cmd, ReplyOrderRejected, err)
		}
		return Reply{Type: ReplyDepth, Payload: res}

	case CmdGetOpenOrders:
		if cmd.GetOpenOrders == nil {
			return e.reject(cmd, ReplyOrderRejected, missingPayload(cmd.Type))
		}
		res, err := e.OpenOrders(cmd.GetOpenOrders.Market, cmd.GetOpenOrders.UserID)
		if err != nil {
			return e.reject(cmd, ReplyOrderRejected, err)
		}
		return Reply{Type: ReplyOpenOrders, Payload: res}

	case CmdOnRamp:
		if cmd.OnRamp == nil {
			return e.reject(cmd, ReplyOnRampRejected, missingPayload(cmd.Type))
		}
		res, err := e.OnRamp(ctx, *cmd.OnRamp)
		if err != nil {
			return e.reject(cmd, ReplyOnRampRejected, err)
		}
		return Reply{Type: ReplyOnRampSuccess, Payload: res}

	default:
		return e.reject(cmd, ReplyOrderRejected, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type))
	}
}

func missingPayload(t CommandType) error {
	return fmt.Errorf("%w: %s without payload", ErrUnknownCommand, t)
}

func (e *Engine) reject(cmd Command, typ ReplyType, err error) Reply {
	reason := Reason(err)
	e.metrics.Reject(reason)
	e.log.Debugw("command_rejected", "seq", cmd.Seq, "type", cmd.Type, "reason", reason, "err", err)
	return Reply{Type: typ, Payload: Rejection{Reason: reason, Message: err.Error()}}
}
