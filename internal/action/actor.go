package action

import (
	"fmt"

	"github.com/shv/smarthome/internal/store"
)

// ActorKind discriminates the two client roles that can submit actions.
type ActorKind string

const (
	// ActorNode marks actions submitted by hardware controllers.
	ActorNode ActorKind = "node"

	// ActorUser marks actions submitted by browser clients.
	ActorUser ActorKind = "user"
)

// Actor identifies the authenticated client behind an inbound action.
// Exactly one of Node or User is set, selected by Kind.
type Actor struct {
	Kind ActorKind
	Node *store.Node
	User *store.User
}

// NodeActor wraps a node as an actor.
func NodeActor(node *store.Node) Actor {
	return Actor{Kind: ActorNode, Node: node}
}

// UserActor wraps a user as an actor.
func UserActor(user *store.User) Actor {
	return Actor{Kind: ActorUser, User: user}
}

func (a Actor) String() string {
	switch a.Kind {
	case ActorNode:
		return fmt.Sprintf("node #%d", a.Node.ID)
	case ActorUser:
		return fmt.Sprintf("user #%d", a.User.ID)
	default:
		return "unknown actor"
	}
}
