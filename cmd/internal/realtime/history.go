package realtime

import (
	"context"

	"chatroom/cmd/internal/chatlog"
	v1 "chatroom/shared/contracts/realtime/v1"
)

// LoadHistory answers one history_load request. ref is the request envelope
// id. The page holds up to historyPageSize messages strictly older than the
// earliest id the client knows, sent oldest first; the ack reports how many
// were sent (0 on exhaustion or failure).
func (ss *Session) LoadHistory(ctx context.Context, ref string, p v1.HistoryLoadPayload) {
	svc := ss.svc
	if ss.State() != StateActive {
		ss.sendError(CodeNotReady, "session is not active")
		return
	}

	before := p.EarliestKnownID
	if before <= 0 {
		before = chatlog.MaxID
	}

	msgs, err := svc.store.ReadPage(ctx, before, historyPageSize)
	if err != nil {
		svc.metrics.HistoryPages.WithLabelValues("error").Inc()
		ss.log.Warn("history.read.fail", "ref", ref, "earliest_known_id", p.EarliestKnownID, "err", err)
		ss.send(v1.TypeHistoryAck, v1.HistoryAckPayload{Ref: ref, Count: 0})
		return
	}

	if len(msgs) == 0 {
		svc.metrics.HistoryPages.WithLabelValues("exhausted").Inc()
		ss.send(v1.TypeHistoryAck, v1.HistoryAckPayload{Ref: ref, Count: 0})
		return
	}

	msgs = chatlog.Reverse(msgs)
	out := make([]v1.MessageNewPayload, 0, len(msgs))
	for _, m := range msgs {
		wm, err := svc.wireMessage(m)
		if err != nil {
			ss.log.Error("history.encode.fail", "ref", ref, "message_id", m.ID, "err", err)
			continue
		}
		out = append(out, wm)
	}

	svc.metrics.HistoryPages.WithLabelValues("ok").Inc()
	if len(out) > 0 {
		ss.send(v1.TypeHistoryPrepend, v1.HistoryPrependPayload{Messages: out})
	}
	ss.send(v1.TypeHistoryAck, v1.HistoryAckPayload{Ref: ref, Count: len(out)})
}
