package state

// Journal is a revert log. Every mutation of world state made during a
// transition registers an undo closure; reverting replays them newest first.
type Journal struct {
	undo []func()
}

func NewJournal() *Journal {
	return &Journal{}
}

// Append registers an undo step.
func (j *Journal) Append(fn func()) {
	j.undo = append(j.undo, fn)
}

// Snapshot returns an id that RevertToSnapshot can roll back to.
func (j *Journal) Snapshot() int {
	return len(j.undo)
}

// RevertToSnapshot undoes every step registered after the snapshot.
func (j *Journal) RevertToSnapshot(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(j.undo) - 1; i >= id; i-- {
		j.undo[i]()
	}
	if id < len(j.undo) {
		j.undo = j.undo[:id]
	}
}

// Reset forgets all undo steps, making the current state permanent.
func (j *Journal) Reset() {
	j.undo = j.undo[:0]
}

func (j *Journal) Len() int {
	return len(j.undo)
}

// Set assigns v to *ptr and records the previous value.
func Set[T any](j *Journal, ptr *T, v T) {
	prev := *ptr
	j.Append(func() { *ptr = prev })
	*ptr = v
}

// SetKey assigns m[k] = v and records whether k was present before.
func SetKey[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	prev, existed := m[k]
	j.Append(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// DeleteKey removes m[k] and records its previous value.
func DeleteKey[K comparable, V any](j *Journal, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	j.Append(func() { m[k] = prev })
	delete(m, k)
}
