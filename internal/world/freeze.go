package world

import (
	"fmt"
	"time"
)

// FreezeResponse is an actor's final answer: its id and a copy of its
// durable state, reported just before the actor terminates.
type FreezeResponse struct {
	ID    Id
	State ActorState
}

// SaveImage is the full durable representation of the system at a quiescent
// instant: the directory's persistable facts plus every actor's state.
type SaveImage struct {
	WorldState WorldState       `json:"world_state"`
	ActorState map[Id]ActorState `json:"actor_state"`
}

// Freeze drives the directory-wide quiescence point and returns the save
// image. Order matters:
//
//  1. Set frozen under the write lock. From this instant every send fails,
//     so mailboxes only shrink and the drain below terminates.
//  2. Fan a freeze request out to every actor. Mailbox FIFO guarantees each
//     actor finishes its entire backlog before answering, and terminates
//     after answering.
//  3. Join the responses (unordered), clear the actor registry, copy the
//     world state, and assemble the image.
//
// timeout bounds the rendezvous; 0 waits forever. On timeout an error is
// returned and no image is produced — a wedged interpreter must not be
// silently dropped from the snapshot.
func Freeze(ref WorldRef, timeout time.Duration) (*SaveImage, error) {
	var pending []*actor
	ref.Write(func(w *World) {
		w.frozen = true
		for _, a := range w.actors {
			pending = append(pending, a)
		}
	})

	respCh := make(chan FreezeResponse, len(pending))
	for _, a := range pending {
		a.mailbox.put(envelope{freeze: respCh})
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	states := make(map[Id]ActorState, len(pending))
	for n := 0; n < len(pending); n++ {
		select {
		case resp := <-respCh:
			states[resp.ID] = resp.State
		case <-deadline:
			return nil, fmt.Errorf("freeze: %d of %d actors did not answer within %s",
				len(pending)-n, len(pending), timeout)
		}
	}

	var state WorldState
	ref.Write(func(w *World) {
		clear(w.actors)
		state = w.state.clone()
	})

	return &SaveImage{WorldState: state, ActorState: states}, nil
}

// UnfreezeRead replaces the world state wholesale from a save image and
// respawns an actor for every object, seeded with its persisted state where
// one exists. Objects absent from the image's actor map start empty — not
// reachable in the current design since freeze fully drains before the image
// is taken, but tolerated for forward compatibility. Requires write access
// and the Frozen state with no live actors.
func (w *World) UnfreezeRead(img *SaveImage) {
	if !w.frozen {
		panic("world: can only unfreeze when frozen")
	}

	w.state = img.WorldState
	if w.state.Users == nil {
		w.state.Users = make(map[string]Id)
	}
	for _, obj := range w.state.Objects {
		seed := img.ActorState[obj.ID]
		w.actors[obj.ID] = spawnActor(obj.ID, obj.Kind, w.ownRef, seed, w.engine, w.opts.ScriptBudget, w.log)
	}

	w.frozen = false
}

// UnfreezeEmpty opens an empty world for traffic without an image — the
// fresh-bootstrap path. Calling it with objects already present is a
// contract violation.
func (w *World) UnfreezeEmpty() {
	if !w.frozen {
		panic("world: can only unfreeze when frozen")
	}
	if len(w.state.Objects) != 0 {
		panic("world: can only unfreeze_empty an empty world; use UnfreezeRead")
	}
	w.frozen = false
}
