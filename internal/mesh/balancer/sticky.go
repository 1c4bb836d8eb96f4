package balancer

import (
	"hash/fnv"
	"sort"
)

// ringSlots is the fixed slot count of the sticky hash ring. Keys hash
// onto slots, slots map to instances; a membership change remaps only
// the slots whose owner left.
const ringSlots = 64

type stickyRing struct {
	slots   [ringSlots]string
	members []string
}

func newStickyRing() *stickyRing {
	return &stickyRing{}
}

// rebuild reconciles the ring with the current routable membership.
// Slots whose owner is still a member are untouched; orphaned slots are
// reassigned deterministically by slot index.
func (r *stickyRing) rebuild(members []string) {
	if equalMembers(r.members, members) {
		return
	}
	r.members = append(r.members[:0], members...)
	sort.Strings(r.members)

	alive := make(map[string]bool, len(r.members))
	for _, id := range r.members {
		alive[id] = true
	}
	for i := range r.slots {
		if !alive[r.slots[i]] {
			r.slots[i] = r.members[i%len(r.members)]
		}
	}
}

// owner returns the instance owning the key's slot.
func (r *stickyRing) owner(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.slots[h.Sum32()%ringSlots]
}

func equalMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
