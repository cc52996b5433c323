package objdb

import (
	"context"
	"math/big"
	"testing"
)

func runService(t *testing.T, co *Coordinator, fn func(goCtx context.Context) error) {
	t.Helper()
	if err := co.Run(context.Background(), fn); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestServiceBindingNamespacesAreDisjoint confirms the same name can be
// bound in the application namespace and the service-internal namespace at
// once without colliding.
func TestServiceBindingNamespacesAreDisjoint(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	runService(t, co, func(goCtx context.Context) error {
		if err := svc.SetBinding(goCtx, "config", &widget{Name: "app"}); err != nil {
			return err
		}
		return svc.SetServiceBinding(goCtx, "config", &widget{Name: "internal"})
	})

	runService(t, co, func(goCtx context.Context) error {
		app, err := GetBinding[widget](svc, goCtx, "config")
		if err != nil {
			return err
		}
		if app.Name != "app" {
			t.Fatalf("app binding Name = %q, wanted app", app.Name)
		}
		svcObj, err := GetServiceBinding[widget](svc, goCtx, "config")
		if err != nil {
			return err
		}
		if svcObj.Name != "internal" {
			t.Fatalf("service binding Name = %q, wanted internal", svcObj.Name)
		}
		return nil
	})
}

// TestServiceGetBindingNotBoundReportsExternalName confirms the
// name-not-bound error seen by application code names the caller's own
// (unprefixed) name, not the internally-prefixed one.
func TestServiceGetBindingNotBoundReportsExternalName(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	var gotErr error
	runService(t, co, func(goCtx context.Context) error {
		_, err := GetBinding[widget](svc, goCtx, "missing")
		gotErr = err
		return nil
	})
	if code, ok := CodeOf(gotErr); !ok || code != CodeNameNotBound {
		t.Fatalf("GetBinding(missing) = %v, wanted name-not-bound", gotErr)
	}
	if !containsString(gotErr.Error(), `"missing"`) {
		t.Fatalf("error %v does not mention the external name", gotErr)
	}
	if containsString(gotErr.Error(), appPrefix+"missing") {
		t.Fatalf("error %v leaked the internal prefix", gotErr)
	}
}

func containsString(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// TestServiceNextBoundNameEndOfEnumeration confirms exhausting the
// application namespace returns ("", nil) rather than an error.
func TestServiceNextBoundNameEndOfEnumeration(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	runService(t, co, func(goCtx context.Context) error {
		return svc.SetBinding(goCtx, "only", &widget{Name: "only"})
	})

	runService(t, co, func(goCtx context.Context) error {
		first, err := svc.NextBoundName(goCtx, "")
		if err != nil {
			return err
		}
		if first != "only" {
			t.Fatalf("first = %q, wanted only", first)
		}
		next, err := svc.NextBoundName(goCtx, first)
		if err != nil {
			t.Fatalf("NextBoundName at end returned an error: %v", err)
		}
		if next != "" {
			t.Fatalf("next = %q, wanted empty string at end of enumeration", next)
		}
		return nil
	})
}

// TestServiceNextBoundNameDoesNotSkipExtensions guards the successor seek:
// enumeration past "b" must yield "bz" next, not jump over every name that
// extends the current one.
func TestServiceNextBoundNameDoesNotSkipExtensions(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	runService(t, co, func(goCtx context.Context) error {
		for _, name := range []string{"bz", "b", "c"} {
			if err := svc.SetBinding(goCtx, name, &widget{Name: name}); err != nil {
				return err
			}
		}
		return nil
	})

	runService(t, co, func(goCtx context.Context) error {
		var names []string
		cursor := ""
		for {
			next, err := svc.NextBoundName(goCtx, cursor)
			if err != nil {
				return err
			}
			if next == "" {
				break
			}
			names = append(names, next)
			cursor = next
		}
		want := []string{"b", "bz", "c"}
		if len(names) != len(want) {
			t.Fatalf("names = %v, wanted %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("names = %v, wanted %v", names, want)
			}
		}
		return nil
	})
}

// TestServiceSetBindingNilObject confirms a nil object is rejected as a
// caller bug before any context work happens.
func TestServiceSetBindingNilObject(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	var gotErr error
	runService(t, co, func(goCtx context.Context) error {
		gotErr = svc.SetBinding(goCtx, "nil", nil)
		return nil
	})
	if code, ok := CodeOf(gotErr); !ok || code != CodeNullArgument {
		t.Fatalf("SetBinding(nil) = %v, wanted null-argument", gotErr)
	}
}

// TestServiceObjectIDFor confirms ObjectIDFor allocates for a fresh object
// and returns the same id CreateReference reported for a managed one.
func TestServiceObjectIDFor(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	runService(t, co, func(goCtx context.Context) error {
		w := &widget{Name: "gear"}
		ref, err := svc.CreateReference(goCtx, w)
		if err != nil {
			return err
		}
		id, err := svc.ObjectIDFor(goCtx, w)
		if err != nil {
			return err
		}
		if id.Uint64() != uint64(ref.ID()) {
			t.Fatalf("ObjectIDFor = %s, wanted %d", id, ref.ID())
		}
		return nil
	})
}

// TestServiceCreateReferenceThenRemoveObject exercises CreateReference,
// RemoveObject, and the object-not-managed error for an object the
// transaction never resolved or created.
func TestServiceCreateReferenceThenRemoveObject(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	stray := &widget{Name: "stray"}
	var removeErr error
	runService(t, co, func(goCtx context.Context) error {
		ref, err := svc.CreateReference(goCtx, &widget{Name: "gear"})
		if err != nil {
			return err
		}
		w, err := Get[widget](ref)
		if err != nil {
			return err
		}
		if err := svc.RemoveObject(goCtx, w); err != nil {
			return err
		}
		removeErr = svc.RemoveObject(goCtx, stray)
		return nil
	})
	if code, ok := CodeOf(removeErr); !ok || code != CodeObjectNotManaged {
		t.Fatalf("RemoveObject(stray) = %v, wanted object-not-managed", removeErr)
	}
}

// TestServiceMarkForUpdatePersistsWithoutMutation confirms MarkForUpdate
// alone (with no actual field mutation) is enough to make Prepare treat the
// object as dirty and re-encode it.
func TestServiceMarkForUpdatePersistsWithoutMutation(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	var id ObjectID
	runService(t, co, func(goCtx context.Context) error {
		ref, err := svc.CreateReference(goCtx, &widget{Name: "gear"})
		if err != nil {
			return err
		}
		id = ref.id
		return nil
	})

	before := co.store.Stats().ObjectWrites
	runService(t, co, func(goCtx context.Context) error {
		c, err := co.contextFor(goCtx)
		if err != nil {
			return err
		}
		w, err := Get[widget](&Reference{id: id, ctx: c})
		if err != nil {
			return err
		}
		return svc.MarkForUpdate(goCtx, w)
	})
	if got := co.store.Stats().ObjectWrites - before; got != 1 {
		t.Fatalf("ObjectWrites grew by %d, wanted 1 for the marked object", got)
	}
}

// TestServiceReferenceForID confirms ReferenceForID builds a reference from
// a big.Int id without resolving it, and rejects an invalid one.
func TestServiceReferenceForID(t *testing.T) {
	co := openTestCoordinator(t)
	svc := NewService(co)

	runService(t, co, func(goCtx context.Context) error {
		ref, err := svc.ReferenceForID(goCtx, big.NewInt(42))
		if err != nil {
			return err
		}
		if ref.ID() != 42 {
			t.Fatalf("ID = %d, wanted 42", ref.ID())
		}
		_, err = svc.ReferenceForID(goCtx, big.NewInt(-1))
		if code, ok := CodeOf(err); !ok || code != CodeInvalidID {
			t.Fatalf("ReferenceForID(-1) = %v, wanted invalid-id", err)
		}
		return nil
	})
}
