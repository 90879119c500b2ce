// Package cluster models the membership view a singleton manager consumes.
// Membership itself (gossip, failure detection) is supplied externally; this
// package only tracks members and derives the oldest one.
package cluster

import "fmt"

// Address uniquely identifies a cluster node for its membership lifetime.
type Address string

// Member is a node known to the cluster, with its join order.
type Member struct {
	Address Address
	// UpNumber is the monotone order in which members joined. The member
	// with the lowest UpNumber is the oldest.
	UpNumber int64
}

// EventType distinguishes how the membership view changed.
type EventType int

const (
	// MemberUp means a node joined and is up.
	MemberUp EventType = iota
	// MemberLeft means a node left voluntarily.
	MemberLeft
	// MemberRemoved means a node was removed after being detected as failed.
	MemberRemoved
)

func (t EventType) String() string {
	switch t {
	case MemberUp:
		return "member-up"
	case MemberLeft:
		return "member-left"
	case MemberRemoved:
		return "member-removed"
	default:
		return fmt.Sprintf("event-type-%d", int(t))
	}
}

// Event is a single membership change notification.
type Event struct {
	Type   EventType
	Member Member
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s(#%d)", e.Type, e.Member.Address, e.Member.UpNumber)
}
