package hub

import (
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/judge"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

type conn struct {
	participant engine.Participant
	out         chan types.ServerMessage
	preference  types.MatchMode
}

// entry is one participant waiting for an active-user match. It outlives the
// connection that created it until it is purged or matched.
type entry struct {
	participant engine.Participant
	clientID    string
	lastSeen    int64 // unix nanos
}

func (h *Hub) register(msg Register) {
	h.conns[msg.ClientID] = &conn{participant: msg.Participant, out: msg.Outbox}
	// a reconnecting participant takes its queue entry back
	if e := h.entryFor(msg.Participant.ID); e != nil {
		e.clientID = msg.ClientID
		e.lastSeen = h.opts.Now().UnixNano()
	}
}

func (h *Hub) unregister(clientID string) {
	if _, ok := h.conns[clientID]; !ok {
		return
	}
	delete(h.conns, clientID)
	for _, e := range h.queue {
		if e.clientID == clientID {
			e.clientID = ""
		}
	}
}

func (h *Hub) onMatchmaking(clientID string, m types.ClientMessage) {
	c, ok := h.conns[clientID]
	if !ok {
		return
	}
	switch m.Type {
	case types.ClientPreference:
		c.preference = m.Mode

	case types.ClientQueueJoin:
		mode := m.Mode
		if mode == "" {
			mode = c.preference
		}
		switch mode {
		case types.ModeAI:
			h.matchAI(clientID, c)
		case types.ModeActiveUser:
			h.matchActive(clientID, c)
		default:
			h.sendTo(clientID, types.ServerMessage{Type: types.ServerError, Error: "unknown match mode", Code: types.CodeInvalidRequest})
		}

	case types.ClientQueueLeave:
		h.dequeue(c.participant.ID)
		h.sendTo(clientID, h.statusMsg(c.participant.ID))

	case types.ClientQueueStatus:
		if e := h.entryFor(c.participant.ID); e != nil {
			e.clientID = clientID
			e.lastSeen = h.opts.Now().UnixNano()
		}
		h.sendTo(clientID, h.statusMsg(c.participant.ID))

	case types.ClientKeepalive:
		if e := h.entryFor(c.participant.ID); e != nil {
			e.lastSeen = h.opts.Now().UnixNano()
		}

	default:
		h.sendTo(clientID, types.ServerMessage{Type: types.ServerError, Error: "unsupported message " + string(m.Type), Code: types.CodeInvalidRequest})
	}
}

func (h *Hub) matchAI(clientID string, c *conn) {
	h.dequeue(c.participant.ID)
	b := engine.NewBattle(0, engine.SourceAI, c.participant, h.opts.Catalog.Pick(), h.durationSec(), h.opts.Now())
	b.Opponent = judge.Pip()
	b, err := h.createBattle(b)
	if err != nil {
		h.log.Error("create ai battle", zap.Error(err))
		h.sendTo(clientID, types.ServerMessage{Type: types.ServerError, Error: "could not start a battle", Code: types.CodeInvalidRequest})
		return
	}
	h.openRoom(b)
	h.sendTo(clientID, types.ServerMessage{Type: types.ServerMatchFound, BattleID: b.ID})
}

func (h *Hub) matchActive(clientID string, c *conn) {
	me := c.participant.ID
	if e := h.entryFor(me); e != nil {
		e.clientID = clientID
		e.lastSeen = h.opts.Now().UnixNano()
		h.sendTo(clientID, h.statusMsg(me))
		return
	}

	for i, e := range h.queue {
		if e.participant.ID == me || e.clientID == "" {
			continue
		}
		h.queue = append(h.queue[:i], h.queue[i+1:]...)
		h.reportDepth()

		b := engine.NewBattle(0, engine.SourceRandom, e.participant, h.opts.Catalog.Pick(), h.durationSec(), h.opts.Now())
		b.Opponent = c.participant
		b, err := h.createBattle(b)
		if err != nil {
			h.log.Error("create matched battle", zap.Error(err))
			h.queue = append([]*entry{e}, h.queue...)
			h.reportDepth()
			h.sendTo(clientID, types.ServerMessage{Type: types.ServerError, Error: "could not start a battle", Code: types.CodeInvalidRequest})
			return
		}
		h.openRoom(b)
		found := types.ServerMessage{Type: types.ServerMatchFound, BattleID: b.ID}
		h.sendTo(e.clientID, found)
		h.sendTo(clientID, found)
		return
	}

	h.queue = append(h.queue, &entry{participant: c.participant, clientID: clientID, lastSeen: h.opts.Now().UnixNano()})
	h.reportDepth()

	notified := 0
	for id, other := range h.conns {
		if other.participant.ID == me || h.entryFor(other.participant.ID) != nil {
			continue
		}
		h.sendTo(id, types.ServerMessage{Type: types.ServerQueueStatus, Queue: &types.QueueStatus{State: types.QueueOpponentWaiting, Mode: types.ModeActiveUser}})
		notified++
	}
	msg := h.statusMsg(me)
	msg.Queue.Notified = notified
	h.sendTo(clientID, msg)
}

func (h *Hub) statusMsg(participantID int64) types.ServerMessage {
	st := &types.QueueStatus{State: types.QueueIdle}
	for i, e := range h.queue {
		if e.participant.ID == participantID {
			st = &types.QueueStatus{State: types.QueueQueued, Mode: types.ModeActiveUser, Position: i + 1}
			break
		}
	}
	return types.ServerMessage{Type: types.ServerQueueStatus, Queue: st}
}

func (h *Hub) entryFor(participantID int64) *entry {
	for _, e := range h.queue {
		if e.participant.ID == participantID {
			return e
		}
	}
	return nil
}

func (h *Hub) dequeue(participantID int64) {
	for i, e := range h.queue {
		if e.participant.ID == participantID {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			h.reportDepth()
			return
		}
	}
}

func (h *Hub) purge(before time.Time) int {
	cutoff := before.UnixNano()
	kept := h.queue[:0]
	var dropped []*entry
	for _, e := range h.queue {
		if e.lastSeen < cutoff {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	h.queue = kept
	for _, e := range dropped {
		h.log.Info("purged stale queue entry", zap.Int64("participant_id", e.participant.ID))
		if e.clientID != "" {
			h.sendTo(e.clientID, h.statusMsg(e.participant.ID))
		}
	}
	if len(dropped) > 0 {
		h.reportDepth()
	}
	return len(dropped)
}

func (h *Hub) reportDepth() {
	h.opts.Metrics.SetQueueDepth(string(types.ModeActiveUser), len(h.queue))
}

func (h *Hub) durationSec() int {
	return int(h.opts.Duration / time.Second)
}

// sendTo delivers to a matchmaking connection, dropping it when its outbox is
// full.
func (h *Hub) sendTo(clientID string, msg types.ServerMessage) {
	c, ok := h.conns[clientID]
	if !ok {
		return
	}
	select {
	case c.out <- msg:
	default:
		h.log.Warn("dropping slow matchmaking client", zap.String("client_id", clientID))
		close(c.out)
		h.unregister(clientID)
	}
}
