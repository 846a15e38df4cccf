package memfs

import (
	"fmt"
)

// Snapshot returns an independent point-in-time copy of the whole
// filesystem.
//
// Every file's contents are deep-copied via [sectorbuf.Buffer.Snapshot]
// while the tree lock is held, so the result is consistent even under
// concurrent writers: it reflects one instant, never a mix of states.
// Open handles, advisory locks, and unlinked-but-open files are not
// carried over; the copy starts with a clean slate of zero handles.
//
// Typical use is a restore point in storage tests: snapshot, run the
// code under test, compare or roll back.
func (m *Mem) Snapshot() (*Mem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dup := New()
	dup.nodes = make(map[string]*node, len(m.nodes))

	for key, n := range m.nodes {
		copied := &node{
			dir:     n.dir,
			mode:    n.mode,
			modTime: n.modTime,
		}

		if !n.dir {
			buf, err := n.buf.Snapshot()
			if err != nil {
				return nil, fmt.Errorf("snapshot %q: %w", key, err)
			}

			copied.buf = buf
		}

		dup.nodes[key] = copied
	}

	return dup, nil
}
