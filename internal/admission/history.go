package admission

import "mirrorq/internal/domain"

// history keeps the most recent terminal tasks, oldest evicted first. The
// ids of every terminal task are kept for the life of the process.
type history struct {
	size  int
	order []string
	byID  map[string]domain.Task
	ids   map[string]struct{}
}

func newHistory(size int) *history {
	return &history{size: size, byID: make(map[string]domain.Task), ids: make(map[string]struct{})}
}

func (h *history) add(t domain.Task) {
	h.ids[t.ID] = struct{}{}
	if h.size <= 0 {
		return
	}
	if _, ok := h.byID[t.ID]; !ok {
		h.order = append(h.order, t.ID)
	}
	h.byID[t.ID] = t
	for len(h.order) > h.size {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id string) (domain.Task, bool) {
	t, ok := h.byID[id]
	return t, ok
}

func (h *history) seen(id string) bool {
	_, ok := h.ids[id]
	return ok
}

func (h *history) list() []domain.Task {
	out := make([]domain.Task, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.byID[id])
	}
	return out
}
