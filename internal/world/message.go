package world

import "github.com/orisa/server/internal/scripting"

// Message is a directed message between objects. The receiving behavior
// decides how to interpret Name and Payload; the directory only routes.
type Message struct {
	ImmediateSender Id              `json:"immediate_sender"`
	Name            string          `json:"name"`
	Payload         scripting.Value `json:"payload"`
}

// ClientMessage is a chat-style event fanned out to the connections attached
// to an object. The wire representation is the transport adapter's concern.
type ClientMessage struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// ClientConn is one live external connection attached to an object.
// Implementations must not block in SendClient; the directory calls it while
// holding its read lock.
type ClientConn interface {
	SendClient(msg ClientMessage)
}

// ActorState is an object's durable scripted state. The directory never
// inspects it; it is written by the object's own behavior and carried only
// at snapshot time.
type ActorState map[string]scripting.Value

func (s ActorState) clone() ActorState {
	if s == nil {
		return nil
	}
	out := make(ActorState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
