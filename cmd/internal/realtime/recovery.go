package realtime

import (
	"context"

	"chatroom/cmd/internal/chatlog"
	v1 "chatroom/shared/contracts/realtime/v1"
)

// replay sends what a fresh session missed and returns the highest
// message id the client is known to have afterwards.
//
//   - offset > 0: every message with id > offset, ascending.
//   - offset == 0: nothing for the rich variant, the latest page (oldest
//     first) for the simple variant.
//
// Every replayed message is queued; a backlog larger than the send queue waits
// for the writer. Read failures are logged and leave the connection open. The
// error is non-nil only when the client went away mid-replay.
func (ss *Session) replay(ctx context.Context, offset int64) (int64, error) {
	svc := ss.svc

	var (
		msgs []chatlog.Message
		err  error
	)
	switch {
	case offset > 0:
		msgs, err = svc.store.ReadRange(ctx, offset)
	case svc.variant == VariantSimple:
		msgs, err = svc.store.ReadPage(ctx, chatlog.MaxID, historyPageSize)
		msgs = chatlog.Reverse(msgs)
	default:
		return 0, nil
	}
	if err != nil {
		ss.log.Warn("recovery.read.fail", "server_offset", offset, "err", err)
		return offset, nil
	}

	covered := max(offset, 0)
	sent := 0
	for _, m := range msgs {
		p, err := svc.wireMessage(m)
		if err != nil {
			ss.log.Error("recovery.encode.fail", "message_id", m.ID, "err", err)
			continue
		}
		if err := ss.sendWait(ctx, v1.TypeMessageNew, p); err != nil {
			svc.metrics.ReplayedTotal.Add(float64(sent))
			return covered, err
		}
		covered = max(covered, m.ID)
		sent++
	}
	svc.metrics.ReplayedTotal.Add(float64(sent))

	if sent > 0 {
		ss.log.Debug("recovery.replayed", "server_offset", offset, "count", sent, "last_id", covered)
	}
	return covered, nil
}

// wireMessage decodes a stored row into its client payload.
func (s *Service) wireMessage(m chatlog.Message) (v1.MessageNewPayload, error) {
	raw, err := s.clientPayload(chatlog.Decode(m.Content))
	if err != nil {
		return v1.MessageNewPayload{}, err
	}
	return v1.MessageNewPayload{ID: m.ID, Payload: raw}, nil
}
