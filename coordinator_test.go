package objdb

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func openTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	co, err := Initialize(Config{
		AppName:        "objdb-test",
		UseMemoryStore: true,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { co.Shutdown() })
	return co
}

// TestCoordinatorRunCommitsOnSuccess exercises the happy path: a task that
// creates an object and returns nil must have it durably visible in a later
// Run.
func TestCoordinatorRunCommitsOnSuccess(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	var id ObjectID
	err := co.Run(context.Background(), func(goCtx context.Context) error {
		ref, err := svc.CreateReference(goCtx, &widget{Name: "gear", Count: 1})
		if err != nil {
			return err
		}
		id = ref.id
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	err = co.Run(context.Background(), func(goCtx context.Context) error {
		c, err := co.contextFor(goCtx)
		if err != nil {
			return err
		}
		w, err := Get[widget](&Reference{id: id, ctx: c})
		if err != nil {
			return err
		}
		if w.Name != "gear" {
			t.Fatalf("Name = %q, wanted gear", w.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run (verify): %v", err)
	}
}

// TestCoordinatorRunAbortsOnTaskError confirms a task returning a
// non-retryable error leaves nothing committed and propagates the error
// unchanged.
func TestCoordinatorRunAbortsOnTaskError(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)
	sentinel := errNullArgument("boom")
	before := co.store.Stats().ObjectWrites

	err := co.Run(context.Background(), func(goCtx context.Context) error {
		if _, err := svc.CreateReference(goCtx, &widget{Name: "gear"}); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("Run = %v, wanted the task's own error back", err)
	}
	if got := co.store.Stats().ObjectWrites; got != before {
		t.Fatalf("ObjectWrites = %d after an aborted Run, wanted %d", got, before)
	}
}

// TestCoordinatorRunSerializesConcurrentUpdates drives many concurrent Run
// calls incrementing the same object: the lock manager's pessimistic
// exclusive locking must serialize them (blocking rather than aborting)
// so every increment lands, with no lost updates.
func TestCoordinatorRunSerializesConcurrentUpdates(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	var id ObjectID
	err := co.Run(context.Background(), func(goCtx context.Context) error {
		ref, err := svc.CreateReference(goCtx, &widget{Count: 0})
		if err != nil {
			return err
		}
		id = ref.id
		return nil
	})
	if err != nil {
		t.Fatalf("Run (setup): %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = co.Run(context.Background(), func(goCtx context.Context) error {
				c, err := co.contextFor(goCtx)
				if err != nil {
					return err
				}
				w, err := GetForUpdate[widget](&Reference{id: id, ctx: c})
				if err != nil {
					return err
				}
				w.Count++
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}

	err = co.Run(context.Background(), func(goCtx context.Context) error {
		c, err := co.contextFor(goCtx)
		if err != nil {
			return err
		}
		w, err := Get[widget](&Reference{id: id, ctx: c})
		if err != nil {
			return err
		}
		if w.Count != n {
			t.Fatalf("Count = %d, wanted %d", w.Count, n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run (verify): %v", err)
	}
}

// TestCoordinatorRunRetriesRetryableAbort confirms the retry loop: a task
// that fails with a retryable error on its first attempt is silently re-run
// under a fresh transaction and its second attempt's result is what Run
// returns.
func TestCoordinatorRunRetriesRetryableAbort(t *testing.T) {
	co := openTestCoordinator(t)

	attempts := 0
	err := co.Run(context.Background(), func(goCtx context.Context) error {
		attempts++
		if attempts == 1 {
			return errTransactionConflict(nil, "synthetic first-attempt conflict")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, wanted 2", attempts)
	}
}

// TestCoordinatorRunRetryBudgetExhaustion confirms a task that never stops
// conflicting eventually surfaces a non-retryable transaction-aborted error
// once the wall-clock retry budget runs out.
func TestCoordinatorRunRetryBudgetExhaustion(t *testing.T) {
	co, err := Initialize(Config{
		AppName:        "objdb-test",
		UseMemoryStore: true,
		RetryBudget:    30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { co.Shutdown() })

	err = co.Run(context.Background(), func(goCtx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return errTransactionConflict(nil, "synthetic endless conflict")
	})
	if code, ok := CodeOf(err); !ok || code != CodeTransactionAborted {
		t.Fatalf("Run = %v, wanted transaction-aborted after budget exhaustion", err)
	}
	if Retryable(err) {
		t.Fatalf("budget-exhaustion error is still marked retryable: %v", err)
	}
}

// TestCoordinatorRunRecoversPanic confirms a panicking task is converted to
// a transaction-aborted error instead of taking the process down, and that
// the Coordinator is still usable afterward.
func TestCoordinatorRunRecoversPanic(t *testing.T) {
	co := openTestCoordinator(t)

	err := co.Run(context.Background(), func(goCtx context.Context) error {
		panic("task exploded")
	})
	if code, ok := CodeOf(err); !ok || code != CodeTransactionAborted {
		t.Fatalf("Run(panicking task) = %v, wanted transaction-aborted", err)
	}

	// the coordinator must still accept new transactions afterward.
	err = co.Run(context.Background(), func(goCtx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Run after a recovered panic: %v", err)
	}
}

// TestCoordinatorConcurrentSwapsPreserveValues runs several workers, each
// repeatedly swapping the objects behind two bindings in its own shard of
// the namespace, and checks no value is lost or duplicated: every swap
// either commits whole or is retried to commit.
func TestCoordinatorConcurrentSwapsPreserveValues(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	const workers = 4
	const slots = 8
	const swaps = 40

	runService(t, co, func(goCtx context.Context) error {
		for w := 0; w < workers; w++ {
			for i := 0; i < slots; i++ {
				name := fmt.Sprintf("w%d.slot%d", w, i)
				if err := svc.SetBinding(goCtx, name, &widget{Name: name, Count: i}); err != nil {
					return err
				}
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for n := 0; n < swaps; n++ {
				i, j := rng.Intn(slots), rng.Intn(slots)
				if i == j {
					continue
				}
				a := fmt.Sprintf("w%d.slot%d", w, i)
				b := fmt.Sprintf("w%d.slot%d", w, j)
				err := co.Run(context.Background(), func(goCtx context.Context) error {
					wa, err := GetBinding[widget](svc, goCtx, a)
					if err != nil {
						return err
					}
					wb, err := GetBinding[widget](svc, goCtx, b)
					if err != nil {
						return err
					}
					if err := svc.SetBinding(goCtx, a, wb); err != nil {
						return err
					}
					return svc.SetBinding(goCtx, b, wa)
				})
				if err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	for w, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", w, err)
		}
	}

	runService(t, co, func(goCtx context.Context) error {
		for w := 0; w < workers; w++ {
			seen := make(map[int]bool, slots)
			for i := 0; i < slots; i++ {
				obj, err := GetBinding[widget](svc, goCtx, fmt.Sprintf("w%d.slot%d", w, i))
				if err != nil {
					return err
				}
				if seen[obj.Count] {
					t.Fatalf("worker %d shard: value %d appears twice after swapping", w, obj.Count)
				}
				seen[obj.Count] = true
			}
			if len(seen) != slots {
				t.Fatalf("worker %d shard: %d distinct values survived, wanted %d", w, len(seen), slots)
			}
		}
		return nil
	})
}

// TestCoordinatorShutdownRejectsNewRuns confirms Run fails once the
// coordinator has shut down, and that re-shutting-down reports
// already-shut-down.
func TestCoordinatorShutdownRejectsNewRuns(t *testing.T) {
	co, err := Initialize(Config{AppName: "objdb-test", UseMemoryStore: true})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	clean, err := co.Shutdown()
	if err != nil || !clean {
		t.Fatalf("Shutdown = (%v, %v), wanted (true, nil)", clean, err)
	}

	if err := co.Run(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatalf("Run after Shutdown succeeded, wanted service-shut-down")
	} else if code, ok := CodeOf(err); !ok || code != CodeServiceShutDown {
		t.Fatalf("Run after Shutdown = %v, wanted service-shut-down", err)
	}

	if _, err := co.Shutdown(); err == nil {
		t.Fatalf("second Shutdown succeeded, wanted already-shut-down")
	} else if code, ok := CodeOf(err); !ok || code != CodeAlreadyShutDown {
		t.Fatalf("second Shutdown = %v, wanted already-shut-down", err)
	}
}

// TestCoordinatorShutdownWaitsForActiveRun confirms Shutdown blocks until an
// in-flight Run call finishes draining before closing the store.
func TestCoordinatorShutdownWaitsForActiveRun(t *testing.T) {
	co, err := Initialize(Config{
		AppName:         "objdb-test",
		UseMemoryStore:  true,
		DisconnectDelay: MinDisconnectDelay,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- co.Run(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	shutdownDone := make(chan struct{})
	go func() {
		if _, err := co.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatalf("Shutdown returned before the in-flight Run finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-shutdownDone
}

// TestCoordinatorJoinParticipantDrivesPrepareCommit confirms a Participant
// registered through JoinParticipant has Prepare and Commit called as part
// of a successful Run, and Abort called when the task fails.
func TestCoordinatorJoinParticipantDrivesPrepareCommit(t *testing.T) {
	co := openTestCoordinator(t)

	p := &recordingParticipant{name: "side-channel"}
	err := co.Run(context.Background(), func(goCtx context.Context) error {
		return co.JoinParticipant(goCtx, p)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !p.prepared || !p.committed || p.aborted {
		t.Fatalf("participant = %+v, wanted prepared+committed, not aborted", p)
	}

	p2 := &recordingParticipant{name: "side-channel-2"}
	failure := errors.New("task failed after joining")
	err = co.Run(context.Background(), func(goCtx context.Context) error {
		if err := co.JoinParticipant(goCtx, p2); err != nil {
			return err
		}
		return failure
	})
	if err != failure {
		t.Fatalf("Run = %v, wanted %v back", err, failure)
	}
	if p2.prepared || p2.committed || !p2.aborted {
		t.Fatalf("participant = %+v, wanted only aborted", p2)
	}
}

type recordingParticipant struct {
	name      string
	prepared  bool
	committed bool
	aborted   bool
}

func (p *recordingParticipant) Name() string { return p.name }
func (p *recordingParticipant) Prepare() (bool, error) {
	p.prepared = true
	return false, nil
}
func (p *recordingParticipant) Commit() error { p.committed = true; return nil }
func (p *recordingParticipant) Abort() error  { p.aborted = true; return nil }
