package replay

// preparedMap maps source-side prepared-statement handle ids to the
// worker-assigned handle whose statementName the statement was prepared
// under on the target database. It is only ever
// touched from the owning worker's loop goroutine (including recursive
// retries), so it needs no locking — see the Worker Loop synchronization
// contract.
type preparedMap struct {
	handles map[int64]int64
}

func newPreparedMap() *preparedMap {
	return &preparedMap{handles: make(map[int64]int64)}
}

// Get returns the server handle for a source handle, and whether it is known.
func (m *preparedMap) Get(sourceHandle int64) (int64, bool) {
	h, ok := m.handles[sourceHandle]
	return h, ok
}

// Put records source -> server handle, but only if the source handle is not
// already present. Spec note: on a second successful Prepare for a handle
// already in the map, the original behavior silently keeps the old server
// handle. That is preserved here unchanged; see DESIGN.md Open Question (b).
func (m *preparedMap) Put(sourceHandle, serverHandle int64) {
	if _, exists := m.handles[sourceHandle]; exists {
		return
	}
	m.handles[sourceHandle] = serverHandle
}

// Delete removes a source handle's mapping, if any.
func (m *preparedMap) Delete(sourceHandle int64) {
	delete(m.handles, sourceHandle)
}

// Len reports the number of live mappings, mostly useful for tests.
func (m *preparedMap) Len() int {
	return len(m.handles)
}
