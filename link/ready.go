package link

import (
	"context"
	"fmt"
	"time"

	"github.com/Tutortoise/inference-worker/etf"
	"go.uber.org/zap"
)

// ReadinessHandshake calls module:function(Self, value) on the peer through
// its rex server and waits for {ok, Self}. Frames that are not the reply are
// discarded. The wait ends early when ctx is done.
func (l *Link) ReadinessHandshake(ctx context.Context, module, function, value string) error {
	args := etf.List{l.self, etf.Charlist(value)}
	call := etf.Tuple{etf.Atom("call"), etf.Atom(module), etf.Atom(function), args, etf.Atom("user")}
	if err := l.RegSend("rex", etf.Tuple{l.self, call}); err != nil {
		return fmt.Errorf("%w: send rpc: %v", ErrHandshake, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		l.conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { l.conn.SetReadDeadline(time.Now()) })
	defer func() {
		stop()
		l.conn.SetReadDeadline(time.Time{})
	}()

	for {
		msg, err := l.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if msg.Kind == KindTick {
			continue
		}
		ok, err := l.isReadyReply(msg)
		if err != nil {
			return err
		}
		if ok {
			l.logger.Info("parent acknowledged worker", zap.String("module", module), zap.String("function", function))
			return nil
		}
		l.logger.Debug("discarding message while waiting for readiness", zap.Stringer("kind", msg.Kind))
	}
}

// isReadyReply reports whether msg is {rex, {ok, Self}}. A {rex, {badrpc, _}}
// reply fails the handshake; every other message is skipped.
func (l *Link) isReadyReply(msg Message) (bool, error) {
	if msg.Kind != KindSend {
		return false, nil
	}
	term, _, err := etf.Decode(msg.Payload)
	if err != nil {
		return false, nil
	}
	outer, ok := term.(etf.Tuple)
	if !ok || len(outer) != 2 || outer[0] != etf.Atom("rex") {
		return false, nil
	}
	reply, ok := outer[1].(etf.Tuple)
	if !ok || len(reply) != 2 {
		return false, nil
	}
	if reply[0] == etf.Atom("badrpc") {
		return false, fmt.Errorf("%w: rpc failed: %v", ErrHandshake, reply[1])
	}
	if reply[0] != etf.Atom("ok") {
		return false, nil
	}
	pid, ok := reply[1].(etf.Pid)
	return ok && pid == l.self, nil
}
