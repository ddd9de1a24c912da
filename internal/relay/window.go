package relay

// maxPersistentIDs bounds the received-persistent-id window sent to the
// server on every login.
const maxPersistentIDs = 100

// idWindow tracks the most recently received persistent IDs in first-seen
// order, capped at maxPersistentIDs unique entries. It is owned by a single
// listener and needs no locking.
type idWindow struct {
	ids []string
}

// Add records id if it is not already present, evicting the oldest entry
// when the window is full. It reports whether id was newly added.
func (w *idWindow) Add(id string) bool {
	if id == "" {
		return false
	}
	for _, v := range w.ids {
		if v == id {
			return false
		}
	}
	w.ids = append(w.ids, id)
	if len(w.ids) > maxPersistentIDs {
		w.ids = w.ids[1:]
	}
	return true
}

// Snapshot returns a copy of the window, oldest first.
func (w *idWindow) Snapshot() []string {
	if len(w.ids) == 0 {
		return nil
	}
	out := make([]string, len(w.ids))
	copy(out, w.ids)
	return out
}

// Seed replaces the window contents, trimming to the newest
// maxPersistentIDs entries.
func (w *idWindow) Seed(ids []string) {
	w.ids = w.ids[:0]
	for _, id := range ids {
		w.Add(id)
	}
}

// Len returns the number of tracked IDs.
func (w *idWindow) Len() int { return len(w.ids) }
