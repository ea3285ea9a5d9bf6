package world

import (
	"context"
	"time"

	"github.com/orisa/server/internal/scripting"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// actor is the isolated, sequential execution unit bound to one object. It
// owns the object's durable state and a persistent interpreter created once
// at spawn; both are touched only from the actor's own goroutine while a
// message is being processed.
type actor struct {
	id    Id
	kind  string
	world WorldRef

	vm    *lua.LState
	scope *apiScope

	// state is the committed durable state; pending is the working copy a
	// handler mutates through the bridge. pending replaces state only when
	// the handler returns without fault, which keeps state changes atomic
	// per message.
	state   ActorState
	pending ActorState

	mailbox *mailbox
	budget  time.Duration
	log     *zap.Logger
}

// spawnActor starts the actor goroutine. Interpreter construction happens on
// that goroutine so the caller's directory lock stays short. seed is the
// durable state restored from a save image; nil starts empty.
func spawnActor(id Id, kind string, ref WorldRef, seed ActorState, engine *scripting.Engine, budget time.Duration, log *zap.Logger) *actor {
	a := &actor{
		id:      id,
		kind:    kind,
		world:   ref,
		scope:   &apiScope{},
		state:   seed,
		mailbox: newMailbox(),
		budget:  budget,
		log:     log.With(zap.Stringer("object", id)),
	}
	go a.run(engine)
	return a
}

func (a *actor) run(engine *scripting.Engine) {
	a.initVM(engine)
	for {
		env := a.mailbox.take()
		if env.freeze != nil {
			// FIFO ordering makes this the last thing the actor ever
			// processes: everything enqueued before the cutover is done.
			env.freeze <- FreezeResponse{ID: a.id, State: a.state.clone()}
			if a.vm != nil {
				a.vm.Close()
			}
			return
		}
		a.deliver(env.msg)
	}
}

// initVM builds the persistent interpreter: standard libs, the behavior
// sources for this actor's kind, then the host capability table. A broken
// script leaves the actor alive but inert — it still drains its mailbox and
// answers freeze requests.
func (a *actor) initVM(engine *scripting.Engine) {
	vm := lua.NewState()
	for _, script := range engine.SourcesFor(a.kind) {
		if err := vm.DoString(script.Source); err != nil {
			a.log.Error("behavior script failed to load",
				zap.String("script", script.Name), zap.Error(err))
			vm.Close()
			return
		}
	}
	registerAPI(vm, a.scope)
	vm.SetField(vm.GetGlobal("orisa"), "id", lua.LNumber(a.id))
	a.vm = vm
}

// deliver runs exactly one message through the scripting bridge. A scripted
// fault is logged and the message is treated as handled; pending state is
// discarded so a mid-message fault never leaks partial mutations.
func (a *actor) deliver(msg *Message) {
	if a.vm == nil {
		a.log.Debug("no interpreter, dropping message", zap.String("name", msg.Name))
		return
	}

	a.pending = a.state.clone()
	if a.pending == nil {
		a.pending = make(ActorState)
	}

	err := withAPI(a, func(vm *lua.LState) error {
		return a.callHandler(vm, msg)
	})
	if err != nil {
		a.log.Error("scripted behavior fault",
			zap.String("name", msg.Name), zap.Error(err))
		a.pending = nil
		return
	}

	a.state = a.pending
	a.pending = nil
}

func (a *actor) callHandler(vm *lua.LState, msg *Message) error {
	fn := vm.GetGlobal("on_message")
	if fn == lua.LNil {
		a.log.Debug("no on_message handler", zap.String("name", msg.Name))
		return nil
	}

	if a.budget > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), a.budget)
		defer cancel()
		vm.SetContext(ctx)
		defer vm.RemoveContext()
	}

	t := vm.NewTable()
	t.RawSetString("sender", lua.LNumber(msg.ImmediateSender))
	t.RawSetString("name", lua.LString(msg.Name))
	t.RawSetString("payload", scripting.ToLua(vm, msg.Payload))

	return vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, t)
}
