package world

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orisa/server/internal/scripting"
	"go.uber.org/zap"
)

const counterScript = `
function on_message(msg)
  if msg.name == "boom" then
    orisa.set_state("tainted", true)
    error("boom")
  else
    local n = orisa.get_state("count") or 0
    orisa.set_state("count", n + 1)
  end
end
`

// newTestEngine materializes a script directory with one behavior file per
// kind and loads it.
func newTestEngine(t *testing.T, kinds map[string]string) *scripting.Engine {
	t.Helper()
	dir := t.TempDir()

	var manifest strings.Builder
	manifest.WriteString("kinds:\n")
	for kind, src := range kinds {
		file := kind + ".lua"
		if err := os.WriteFile(filepath.Join(dir, file), []byte(src), 0644); err != nil {
			t.Fatalf("write script: %v", err)
		}
		fmt.Fprintf(&manifest, "  %s:\n    - %s\n", kind, file)
	}
	if err := os.WriteFile(filepath.Join(dir, "kinds.yaml"), []byte(manifest.String()), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	eng, err := scripting.NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func newTestWorld(t *testing.T, engine *scripting.Engine, opts Options) WorldRef {
	t.Helper()
	ref := New(engine, opts, zap.NewNop())
	ref.Write(func(w *World) {
		w.UnfreezeEmpty()
		w.CreateDefaults()
	})
	return ref
}

func TestCreateInAssignsSequentialIds(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := newTestWorld(t, engine, Options{})

	var entrance, a, b Id
	ref.Write(func(w *World) {
		entrance = w.Entrance()
		a = w.CreateIn(&entrance, "thing")
		b = w.CreateIn(&entrance, "thing")
	})

	if entrance != 0 || a != 1 || b != 2 {
		t.Fatalf("ids not sequential: entrance=%v a=%v b=%v", entrance, a, b)
	}

	ref.Read(func(w *World) {
		if p := w.Parent(a); p == nil || *p != entrance {
			t.Errorf("parent of %v = %v, want %v", a, p, entrance)
		}
		if p := w.Parent(entrance); p != nil {
			t.Errorf("entrance parent = %v, want nil", p)
		}
		children := w.Children(entrance)
		if len(children) != 2 || children[0] != a || children[1] != b {
			t.Errorf("children = %v, want [%v %v]", children, a, b)
		}
	})

	if _, err := Freeze(ref, time.Second); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func TestEntranceBeforeInitPanics(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := New(engine, Options{}, zap.NewNop())

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	ref.Write(func(w *World) {
		w.UnfreezeEmpty()
		w.Entrance()
	})
}

func TestUnfreezeEmptyRejectsPopulatedWorld(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := newTestWorld(t, engine, Options{})

	img, err := Freeze(ref, time.Second)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if len(img.WorldState.Objects) == 0 {
		t.Fatal("expected the entrance object in the image")
	}

	ref2 := New(engine, Options{}, zap.NewNop())
	ref2.Write(func(w *World) { w.UnfreezeRead(img) })

	img2, err := Freeze(ref2, time.Second)
	if err != nil {
		t.Fatalf("second freeze: %v", err)
	}

	ref3 := New(engine, Options{}, zap.NewNop())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	ref3.Write(func(w *World) {
		w.UnfreezeRead(img2)
		w.UnfreezeEmpty()
	})
}

func TestGetOrCreateUserIdempotent(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := newTestWorld(t, engine, Options{})

	var first, second Id
	ref.Write(func(w *World) { first = w.GetOrCreateUser("alice") })
	ref.Write(func(w *World) { second = w.GetOrCreateUser("alice") })
	if first != second {
		t.Fatalf("same name produced different objects: %v vs %v", first, second)
	}

	ref.Read(func(w *World) {
		if got := w.Username(first); got != "alice" {
			t.Errorf("Username(%v) = %q, want alice", first, got)
		}
		if kind := w.Kind(first); kind != KindUser {
			t.Errorf("Kind(%v) = %q, want %q", first, kind, KindUser)
		}
		if p := w.Parent(first); p == nil || *p != w.Entrance() {
			t.Errorf("user not parented under the entrance: %v", p)
		}
	})

	if _, err := Freeze(ref, time.Second); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func TestGetOrCreateUserConcurrent(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := newTestWorld(t, engine, Options{})

	const workers = 16
	ids := make([]Id, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref.Write(func(w *World) { ids[i] = w.GetOrCreateUser("bob") })
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent logins diverged: %v vs %v", ids[i], ids[0])
		}
	}

	if _, err := Freeze(ref, time.Second); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func TestFreezeDrainsBacklog(t *testing.T) {
	engine := newTestEngine(t, map[string]string{"counter": counterScript})
	ref := newTestWorld(t, engine, Options{})

	const actors = 4
	const perActor = 25

	var targets []Id
	ref.Write(func(w *World) {
		entrance := w.Entrance()
		for i := 0; i < actors; i++ {
			targets = append(targets, w.CreateIn(&entrance, "counter"))
		}
	})

	ref.Read(func(w *World) {
		for i := 0; i < perActor; i++ {
			for _, id := range targets {
				w.SendMessage(id, Message{ImmediateSender: w.Entrance(), Name: "inc"})
			}
		}
	})

	img, err := Freeze(ref, 10*time.Second)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	for _, id := range targets {
		state := img.ActorState[id]
		count, ok := state["count"].(float64)
		if !ok || count != perActor {
			t.Errorf("actor %v count = %v, want %d", id, state["count"], perActor)
		}
	}
}

func TestSendAfterFreezePanics(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := newTestWorld(t, engine, Options{})

	var entrance Id
	ref.Read(func(w *World) { entrance = w.Entrance() })

	if _, err := Freeze(ref, time.Second); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	ref.Read(func(w *World) {
		w.SendMessage(entrance, Message{ImmediateSender: entrance, Name: "say"})
	})
}

func TestSendToUnknownActorPanics(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := newTestWorld(t, engine, Options{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	ref.Read(func(w *World) {
		w.SendMessage(Id(99), Message{ImmediateSender: 0, Name: "say"})
	})
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	engine := newTestEngine(t, map[string]string{"counter": counterScript})
	ref := newTestWorld(t, engine, Options{})

	var target, user Id
	ref.Write(func(w *World) {
		entrance := w.Entrance()
		target = w.CreateIn(&entrance, "counter")
		user = w.GetOrCreateUser("carol")
	})
	ref.Read(func(w *World) {
		w.SendMessage(target, Message{ImmediateSender: user, Name: "inc"})
		w.SendMessage(target, Message{ImmediateSender: user, Name: "inc"})
	})

	img, err := Freeze(ref, 5*time.Second)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// Restore into a fresh world and keep counting.
	ref2 := New(engine, Options{}, zap.NewNop())
	ref2.Write(func(w *World) { w.UnfreezeRead(img) })

	ref2.Read(func(w *World) {
		if got := w.Username(user); got != "carol" {
			t.Errorf("restored Username = %q, want carol", got)
		}
		w.SendMessage(target, Message{ImmediateSender: user, Name: "inc"})
	})

	img2, err := Freeze(ref2, 5*time.Second)
	if err != nil {
		t.Fatalf("second freeze: %v", err)
	}
	if count := img2.ActorState[target]["count"]; count != float64(3) {
		t.Errorf("count after restore = %v, want 3", count)
	}
	if len(img2.WorldState.Objects) != len(img.WorldState.Objects) {
		t.Errorf("object count changed across restore: %d vs %d",
			len(img2.WorldState.Objects), len(img.WorldState.Objects))
	}
}

func TestFaultDiscardsPendingState(t *testing.T) {
	engine := newTestEngine(t, map[string]string{"counter": counterScript})
	ref := newTestWorld(t, engine, Options{})

	var target Id
	ref.Write(func(w *World) {
		entrance := w.Entrance()
		target = w.CreateIn(&entrance, "counter")
	})

	ref.Read(func(w *World) {
		w.SendMessage(target, Message{ImmediateSender: target, Name: "boom"})
		w.SendMessage(target, Message{ImmediateSender: target, Name: "inc"})
	})

	img, err := Freeze(ref, 5*time.Second)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	state := img.ActorState[target]
	if _, leaked := state["tainted"]; leaked {
		t.Error("faulted handler leaked a partial state write")
	}
	if count := state["count"]; count != float64(1) {
		t.Errorf("count = %v, want 1 (fault must not block later messages)", count)
	}
}

func TestScriptBudgetFaultsRunawayHandler(t *testing.T) {
	engine := newTestEngine(t, map[string]string{"spinner": `
function on_message(msg)
  orisa.set_state("started", true)
  while true do end
end
`})
	ref := newTestWorld(t, engine, Options{ScriptBudget: 50 * time.Millisecond})

	var target Id
	ref.Write(func(w *World) {
		entrance := w.Entrance()
		target = w.CreateIn(&entrance, "spinner")
	})
	ref.Read(func(w *World) {
		w.SendMessage(target, Message{ImmediateSender: target, Name: "spin"})
	})

	img, err := Freeze(ref, 10*time.Second)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, leaked := img.ActorState[target]["started"]; leaked {
		t.Error("timed-out handler committed state")
	}
}

func TestFreezeTimeoutReportsStuckActors(t *testing.T) {
	engine := newTestEngine(t, map[string]string{"spinner": `
function on_message(msg)
  while true do end
end
`})
	// No budget: the handler wedges its actor for good.
	ref := newTestWorld(t, engine, Options{})

	ref.Write(func(w *World) {
		entrance := w.Entrance()
		target := w.CreateIn(&entrance, "spinner")
		w.SendMessage(target, Message{ImmediateSender: entrance, Name: "spin"})
	})

	// Give the actor time to enter the handler.
	time.Sleep(100 * time.Millisecond)

	if _, err := Freeze(ref, 200*time.Millisecond); err == nil {
		t.Fatal("expected freeze timeout error")
	}
}

func TestScopeClearedOutsideDelivery(t *testing.T) {
	engine := newTestEngine(t, map[string]string{"counter": counterScript})
	ref := newTestWorld(t, engine, Options{})

	var target Id
	var a *actor
	ref.Write(func(w *World) {
		entrance := w.Entrance()
		target = w.CreateIn(&entrance, "counter")
		a = w.actors[target]
	})
	ref.Read(func(w *World) {
		w.SendMessage(target, Message{ImmediateSender: target, Name: "inc"})
	})

	if _, err := Freeze(ref, 5*time.Second); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	// The actor has terminated; the scoped binding must not have leaked.
	if a.scope.actor != nil {
		t.Error("api scope still bound after delivery")
	}
}

type recordingConn struct {
	mu   sync.Mutex
	msgs []ClientMessage
}

func (c *recordingConn) SendClient(msg ClientMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *recordingConn) all() []ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClientMessage(nil), c.msgs...)
}

func TestClientMessageFanOut(t *testing.T) {
	engine := newTestEngine(t, nil)
	ref := newTestWorld(t, engine, Options{})

	var user Id
	ref.Write(func(w *World) { user = w.GetOrCreateUser("dave") })

	first := &recordingConn{}
	second := &recordingConn{}
	ref.Write(func(w *World) {
		w.RegisterChatConnect(user, first)
		w.RegisterChatConnect(user, second)
	})

	ref.Read(func(w *World) {
		w.SendClientMessage(user, ClientMessage{Kind: "tell", Text: "hello"})
	})

	for _, conn := range []*recordingConn{first, second} {
		msgs := conn.all()
		if len(msgs) != 1 || msgs[0].Text != "hello" {
			t.Errorf("conn got %v, want one hello", msgs)
		}
	}

	ref.Write(func(w *World) { w.RemoveChatConnection(user, first) })
	ref.Read(func(w *World) {
		w.SendClientMessage(user, ClientMessage{Kind: "tell", Text: "again"})
	})

	if got := len(first.all()); got != 1 {
		t.Errorf("removed conn received %d messages, want 1", got)
	}
	if got := len(second.all()); got != 2 {
		t.Errorf("remaining conn received %d messages, want 2", got)
	}

	if _, err := Freeze(ref, time.Second); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func TestChatRelayThroughRoom(t *testing.T) {
	engine := newTestEngine(t, map[string]string{
		KindRoom: `
function on_message(msg)
  if msg.name == "say" then
    local line = orisa.get_name(msg.payload.speaker) .. ": " .. msg.payload.message
    for _, child in ipairs(orisa.get_children(orisa.id)) do
      if orisa.get_kind(child) == "user" then
        orisa.send(child, "speak", { line = line })
      end
    end
  end
end
`,
		KindUser: `
function on_message(msg)
  if msg.name == "speak" then
    orisa.tell(msg.payload.line)
  end
end
`,
	})
	ref := newTestWorld(t, engine, Options{})

	var speaker, listener Id
	ref.Write(func(w *World) {
		speaker = w.GetOrCreateUser("erin")
		listener = w.GetOrCreateUser("frank")
	})

	conn := &recordingConn{}
	ref.Write(func(w *World) { w.RegisterChatConnect(listener, conn) })

	ref.Read(func(w *World) {
		w.SendMessage(w.Entrance(), Message{
			ImmediateSender: speaker,
			Name:            "say",
			Payload: map[string]scripting.Value{
				"speaker": int(speaker),
				"message": "hi all",
			},
		})
	})

	// Chat delivery crosses two actors; poll until it lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs := conn.all()
		if len(msgs) > 0 {
			if msgs[0].Text != "erin: hi all" {
				t.Fatalf("relayed text = %q, want %q", msgs[0].Text, "erin: hi all")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chat line never reached the listener connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := Freeze(ref, 5*time.Second); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}
