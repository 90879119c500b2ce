package cluster

import "sort"

// View is the current membership as seen by one node. It is a plain data
// structure owned by a single consumer; the singleton manager applies events
// to it from its own event loop.
type View struct {
	members map[Address]Member
}

// NewView builds an empty membership view.
func NewView() *View {
	return &View{members: make(map[Address]Member)}
}

// Apply folds a membership event into the view. Leaves and removals are
// distinguishable to observers of the event stream but drive the same
// recomputation here: the member is gone either way.
func (v *View) Apply(ev Event) {
	switch ev.Type {
	case MemberUp:
		v.members[ev.Member.Address] = ev.Member
	case MemberLeft, MemberRemoved:
		delete(v.members, ev.Member.Address)
	}
}

// Oldest returns the member with the earliest join order, if any. Equal join
// orders are broken by address so every node ranks the membership the same
// way.
func (v *View) Oldest() (Member, bool) {
	var oldest Member
	found := false
	for _, m := range v.members {
		if !found || m.UpNumber < oldest.UpNumber ||
			(m.UpNumber == oldest.UpNumber && m.Address < oldest.Address) {
			oldest = m
			found = true
		}
	}
	return oldest, found
}

// IsOldest reports whether addr is the current oldest member.
func (v *View) IsOldest(addr Address) bool {
	oldest, ok := v.Oldest()
	return ok && oldest.Address == addr
}

// Contains reports whether addr is in the view.
func (v *View) Contains(addr Address) bool {
	_, ok := v.members[addr]
	return ok
}

// Len returns the number of members.
func (v *View) Len() int {
	return len(v.members)
}

// Members returns a snapshot of the membership sorted by join order.
func (v *View) Members() []Member {
	out := make([]Member, 0, len(v.members))
	for _, m := range v.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpNumber != out[j].UpNumber {
			return out[i].UpNumber < out[j].UpNumber
		}
		return out[i].Address < out[j].Address
	})
	return out
}
