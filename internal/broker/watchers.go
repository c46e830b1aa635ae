package broker

import "sync"

// WatcherRegistry tracks, per machine, the set of consoles currently
// observing it. Membership changes and the empty/non-empty transition
// are observed in the same atomic step: Watch reports whether the room
// just became non-empty and Unwatch whether it just drained, so the
// caller can issue exactly one start-stream and one stop-stream
// instruction no matter how the calls interleave. Checking room size in
// a separate step after leaving would race two near-simultaneous
// unwatch calls.
type WatcherRegistry struct {
	mu    sync.Mutex
	rooms map[string]map[*Console]struct{}
}

func NewWatcherRegistry() *WatcherRegistry {
	return &WatcherRegistry{rooms: make(map[string]map[*Console]struct{})}
}

// Watch adds the console to the machine's room. Reports true only for
// the call that took the room from empty to non-empty.
func (w *WatcherRegistry) Watch(machineID string, c *Console) (firstWatcher bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room, ok := w.rooms[machineID]
	if !ok {
		room = make(map[*Console]struct{})
		w.rooms[machineID] = room
	}
	wasEmpty := len(room) == 0
	room[c] = struct{}{}
	return wasEmpty
}

// Unwatch removes the console from the machine's room. Reports true
// only for the call that drained the room; a console that was not a
// member never drains it.
func (w *WatcherRegistry) Unwatch(machineID string, c *Console) (lastWatcher bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room, ok := w.rooms[machineID]
	if !ok {
		return false
	}
	if _, member := room[c]; !member {
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(w.rooms, machineID)
		return true
	}
	return false
}

// WatchersOf returns a snapshot of the machine's current watchers.
func (w *WatcherRegistry) WatchersOf(machineID string) []*Console {
	w.mu.Lock()
	defer w.mu.Unlock()

	room := w.rooms[machineID]
	out := make([]*Console, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// DropConsole releases every membership the departing console holds and
// returns the machines whose rooms it drained, so the caller can send
// their stop-stream instructions.
func (w *WatcherRegistry) DropConsole(c *Console) (drained []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for machineID, room := range w.rooms {
		if _, member := room[c]; !member {
			continue
		}
		delete(room, c)
		if len(room) == 0 {
			delete(w.rooms, machineID)
			drained = append(drained, machineID)
		}
	}
	return drained
}

// DrainRoom empties the machine's room in one step and returns the
// evicted watchers. Used on agent disconnect, where no stop instruction
// is owed to anyone.
func (w *WatcherRegistry) DrainRoom(machineID string) []*Console {
	w.mu.Lock()
	defer w.mu.Unlock()

	room := w.rooms[machineID]
	delete(w.rooms, machineID)
	out := make([]*Console, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}
