package world

import (
	"fmt"
	"sync"
	"time"

	"github.com/orisa/server/internal/scripting"
	"go.uber.org/zap"
)

// Default kind tags used by the bootstrap path. The taxonomy itself belongs
// to the behavior scripts; the directory only stores and reports the tag.
const (
	KindRoom = "room"
	KindUser = "user"
)

// Object is one node in the world's parent/child forest. Parent links are
// immutable once set; there is no re-parenting operation.
type Object struct {
	ID       Id     `json:"id"`
	ParentID *Id    `json:"parent_id"`
	Kind     string `json:"kind"`
}

// WorldState is the directory's persistable core: the ordered object list
// (index = Id), the entrance id, and the user name→id mapping.
type WorldState struct {
	Objects    []Object      `json:"objects"`
	EntranceID *Id           `json:"entrance_id"` // nil only during initialization
	Users      map[string]Id `json:"users"`
}

func (s WorldState) clone() WorldState {
	out := WorldState{
		Objects: make([]Object, len(s.Objects)),
		Users:   make(map[string]Id, len(s.Users)),
	}
	copy(out.Objects, s.Objects)
	for k, v := range s.Users {
		out.Users[k] = v
	}
	if s.EntranceID != nil {
		e := *s.EntranceID
		out.EntranceID = &e
	}
	return out
}

// Options tunes per-world behavior knobs.
type Options struct {
	// ScriptBudget bounds a single scripted-behavior invocation; 0 disables
	// the bound. A timed-out handler counts as a scripted fault.
	ScriptBudget time.Duration
}

// World is the object directory: the sole source of truth for which objects
// exist, which actor answers for each id, and which client connections are
// attached where. It is guarded by the read/write lock in its owning cell;
// all methods must be called through WorldRef.Read or WorldRef.Write with
// the matching access mode.
type World struct {
	state WorldState

	ownRef WorldRef
	engine *scripting.Engine
	opts   Options

	chatConns map[Id][]ClientConn
	actors    map[Id]*actor

	frozen bool

	log *zap.Logger
}

// cell is the single shared, lock-guarded slot the world lives in for the
// whole process lifetime. Both the request path and the shutdown path reach
// the world through it without owning it.
type cell struct {
	mu sync.RWMutex
	w  *World
}

// WorldRef is a non-owning handle to the world, held by actors and the
// transport adapter. All access goes through the scoped Read/Write callbacks
// so the lock discipline cannot be bypassed.
type WorldRef struct {
	cell *cell
}

// Read runs f with shared (read) access to the world.
func (r WorldRef) Read(f func(*World)) {
	r.cell.mu.RLock()
	defer r.cell.mu.RUnlock()
	f(r.cell.w)
}

// Write runs f with exclusive access to the world. Critical sections must be
// kept short; no actor work may run inside f.
func (r WorldRef) Write(f func(*World)) {
	r.cell.mu.Lock()
	defer r.cell.mu.Unlock()
	f(r.cell.w)
}

// New creates an empty, frozen world. The caller must open it for traffic
// with UnfreezeRead (restore) or UnfreezeEmpty plus CreateDefaults
// (fresh bootstrap).
func New(engine *scripting.Engine, opts Options, log *zap.Logger) WorldRef {
	c := &cell{}
	ref := WorldRef{cell: c}
	c.w = &World{
		state: WorldState{
			Users: make(map[string]Id),
		},
		ownRef:    ref,
		engine:    engine,
		opts:      opts,
		chatConns: make(map[Id][]ClientConn),
		actors:    make(map[Id]*actor),
		frozen:    true,
		log:       log,
	}
	return ref
}

// CreateIn allocates the next sequential Id, records the object, and spawns
// its actor. Requires write access. Always succeeds while the world is
// mutable.
func (w *World) CreateIn(parent *Id, kind string) Id {
	id := Id(len(w.state.Objects))
	w.state.Objects = append(w.state.Objects, Object{ID: id, ParentID: parent, Kind: kind})
	w.actors[id] = spawnActor(id, kind, w.ownRef, nil, w.engine, w.opts.ScriptBudget, w.log)
	return id
}

// CreateDefaults creates the entrance object for a freshly bootstrapped
// world. Requires write access.
func (w *World) CreateDefaults() {
	entrance := w.CreateIn(nil, KindRoom)
	w.state.EntranceID = &entrance
}

// Entrance returns the designated root object. Calling it before
// initialization completes is a programming error.
func (w *World) Entrance() Id {
	if w.state.EntranceID == nil {
		panic("world: entrance requested before initialization")
	}
	return *w.state.EntranceID
}

// GetOrCreateUser returns the object representing the named user, creating
// it under the entrance on first login. Requires write access; the
// single-writer discipline makes it idempotent under concurrency.
func (w *World) GetOrCreateUser(username string) Id {
	if id, ok := w.state.Users[username]; ok {
		return id
	}
	entrance := w.Entrance()
	id := w.CreateIn(&entrance, KindUser)
	w.state.Users[username] = id
	return id
}

// Username reverse-looks-up the user mapping, falling back to the
// stringified id for non-user objects. O(number of users) by design.
func (w *World) Username(id Id) string {
	for name, uid := range w.state.Users {
		if uid == id {
			return name
		}
	}
	return id.String()
}

// Children returns the ids of all objects whose parent is id, in ascending
// Id order. Re-derived on every call, never cached.
func (w *World) Children(id Id) []Id {
	var out []Id
	for _, o := range w.state.Objects {
		if o.ParentID != nil && *o.ParentID == id {
			out = append(out, o.ID)
		}
	}
	return out
}

// Parent returns the parent of the given object, or nil for roots.
func (w *World) Parent(of Id) *Id {
	return w.get(of).ParentID
}

// Kind returns the object's kind tag.
func (w *World) Kind(id Id) string {
	return w.get(id).Kind
}

// SendMessage routes a directed message into the target actor's mailbox.
// Sending while frozen, or to an id with no live actor, is a
// programming-contract violation and fails fatally: the frozen gate is what
// makes the snapshot drain deterministic.
func (w *World) SendMessage(target Id, msg Message) {
	if w.frozen {
		panic(fmt.Sprintf("world: send to %s while frozen", target))
	}
	a, ok := w.actors[target]
	if !ok {
		panic(fmt.Sprintf("world: no live actor for %s", target))
	}
	a.mailbox.put(envelope{msg: &msg})
}

// SendClientMessage fans the message out to every connection attached to
// the object. No attached connection is not an error; the event is dropped
// and logged.
func (w *World) SendClientMessage(id Id, msg ClientMessage) {
	conns := w.chatConns[id]
	if len(conns) == 0 {
		w.log.Warn("no chat connection, dropping client message",
			zap.Stringer("object", id), zap.String("kind", msg.Kind))
		return
	}
	for _, conn := range conns {
		conn.SendClient(msg)
	}
}

// RegisterChatConnect attaches a connection to an object's notification
// list. Requires write access.
func (w *World) RegisterChatConnect(id Id, conn ClientConn) {
	w.chatConns[id] = append(w.chatConns[id], conn)
}

// RemoveChatConnection detaches a connection; a no-op if it was never
// attached. Requires write access.
func (w *World) RemoveChatConnection(id Id, conn ClientConn) {
	conns := w.chatConns[id]
	for i, c := range conns {
		if c == conn {
			w.chatConns[id] = append(conns[:i], conns[i+1:]...)
			return
		}
	}
}

func (w *World) get(id Id) *Object {
	return &w.state.Objects[id]
}
