package agent

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPermissionResolveAllow(t *testing.T) {
	broker := NewPermissionBroker(time.Minute, newTestLogger())

	p := broker.Create("req-1", "Bash", map[string]any{"command": "ls"})
	if !broker.Resolve("req-1", DecisionAllow, "") {
		t.Fatal("expected resolve to win")
	}

	res := <-p.Wait()
	if res.Decision != DecisionAllow || res.TimedOut || res.Aborted {
		t.Errorf("unexpected resolution: %+v", res)
	}
	if len(broker.Pending()) != 0 {
		t.Error("expected pending map cleared")
	}
}

func TestPermissionTimeoutDenies(t *testing.T) {
	broker := NewPermissionBroker(20*time.Millisecond, newTestLogger())

	p := broker.Create("req-1", "Bash", nil)

	select {
	case res := <-p.Wait():
		if res.Decision != DecisionDeny || !res.TimedOut {
			t.Errorf("expected timed-out deny, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	if broker.Resolve("req-1", DecisionAllow, "") {
		t.Error("resolve after timeout must be a no-op")
	}
}

func TestPermissionResolvesExactlyOnce(t *testing.T) {
	// Race allow, deny, abort and timeout on the same id; exactly one must
	// win and the channel must deliver exactly one resolution.
	for i := 0; i < 100; i++ {
		broker := NewPermissionBroker(time.Millisecond, newTestLogger())
		id := fmt.Sprintf("req-%d", i)
		p := broker.Create(id, "Bash", nil)

		var wins int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			if broker.Resolve(id, DecisionAllow, "") {
				atomic.AddInt32(&wins, 1)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if broker.Resolve(id, DecisionDeny, "no") {
				atomic.AddInt32(&wins, 1)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if broker.Abort(id) {
				atomic.AddInt32(&wins, 1)
			}
		}()

		close(start)
		wg.Wait()

		// The timer may also have fired; drain the single resolution.
		var resolutions int
		timeout := time.After(time.Second)
	drain:
		for {
			select {
			case <-p.Wait():
				resolutions++
			case <-timeout:
				break drain
			default:
				if resolutions > 0 {
					break drain
				}
				time.Sleep(time.Millisecond)
			}
		}

		if resolutions != 1 {
			t.Fatalf("iteration %d: expected exactly one resolution, got %d", i, resolutions)
		}
		if w := atomic.LoadInt32(&wins); w > 1 {
			t.Fatalf("iteration %d: %d resolvers claimed the win", i, w)
		}
	}
}

func TestPermissionAbortAll(t *testing.T) {
	broker := NewPermissionBroker(time.Minute, newTestLogger())

	p1 := broker.Create("req-1", "Bash", nil)
	p2 := broker.Create("req-2", "Write", nil)

	broker.AbortAll()

	for _, p := range []*PendingPermission{p1, p2} {
		res := <-p.Wait()
		if res.Decision != DecisionDeny || !res.Aborted {
			t.Errorf("expected aborted deny, got %+v", res)
		}
	}
	if len(broker.Pending()) != 0 {
		t.Error("expected no pending permissions after AbortAll")
	}
}

func TestPermissionResolveUnknownID(t *testing.T) {
	broker := NewPermissionBroker(time.Minute, newTestLogger())
	if broker.Resolve("ghost", DecisionAllow, "") {
		t.Error("resolving an unknown id must return false")
	}
}
