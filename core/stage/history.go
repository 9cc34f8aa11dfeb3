package stage

import tele "gopkg.in/telebot.v4"

// historyLog keeps an append-only record of accepted updates. There is
// no deduplication; callers only ever see copies.
type historyLog struct {
	enabled bool
	updates []tele.Update
}

func (h *historyLog) record(u tele.Update) {
	if !h.enabled {
		return
	}
	h.updates = append(h.updates, u)
}

func (h *historyLog) snapshot() []tele.Update {
	if len(h.updates) == 0 {
		return nil
	}
	out := make([]tele.Update, len(h.updates))
	copy(out, h.updates)
	return out
}
