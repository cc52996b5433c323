package objdb

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
)

// appPrefix and servicePrefix are the two disjoint name-binding namespaces
// of the catalog: application bindings and the service's own internal bindings
// share one sorted key space, distinguished only by prefix.
const (
	appPrefix     = "a."
	servicePrefix = "s."
)

// Service is the validated, namespace-aware front-end application code
// calls into: it resolves the caller's context.Context to the current
// transaction's [Context] through the [Coordinator] (joining one on first
// use), prefixes binding names into the right namespace, and translates
// store errors back to the external vocabulary. Every method
// (and the free generic functions alongside it, for the same reason
// [Get] and [GetForUpdate] are free functions rather than methods) takes
// the context.Context that was threaded through a [Coordinator.Run] call.
type Service struct {
	co *Coordinator
}

// NewService builds a Service bound to co. A Coordinator may have any
// number of Services built atop it; they all share the same transaction
// map.
func NewService(co *Coordinator) *Service {
	return &Service{co: co}
}

func (s *Service) log() *slog.Logger { return s.co.store.log }

// logExit emits the per-operation exit record: at Debug on success, and at
// the level matching the error's kind otherwise. Fatal errors log at
// Error, caller bugs at Warn; everything else stays at Debug since the
// caller, or the Coordinator's retry loop, is expected to handle it.
func (s *Service) logExit(op, name string, err error) {
	if err == nil {
		s.log().Debug("op done", "op", op, "name", name)
		return
	}
	var e *Error
	if asError(err, &e) {
		switch e.Kind {
		case KindFatal:
			s.log().Error("op failed", "op", op, "name", name, "error", err)
			return
		case KindCallerBug:
			s.log().Warn("op failed", "op", op, "name", name, "error", err)
			return
		}
	}
	s.log().Debug("op failed", "op", op, "name", name, "error", err)
}

// GetBinding returns the application-namespace object bound to name,
// checked to be of type T.
func GetBinding[T any](s *Service, goCtx context.Context, name string) (*T, error) {
	return getBindingPrefixed[T](s, goCtx, appPrefix, name)
}

// GetServiceBinding is GetBinding over the service-internal namespace.
func GetServiceBinding[T any](s *Service, goCtx context.Context, name string) (*T, error) {
	return getBindingPrefixed[T](s, goCtx, servicePrefix, name)
}

func getBindingPrefixed[T any](s *Service, goCtx context.Context, prefix, name string) (obj *T, err error) {
	s.log().Debug("op", "op", "GetBinding", "ns", prefix, "name", name)
	defer func() { s.logExit("GetBinding", name, err) }()
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return nil, err
	}
	id, err := c.getBinding(prefix + name)
	if err != nil {
		return nil, renameNotBound(err, name)
	}
	return Get[T](&Reference{id: id, ctx: c})
}

// SetBinding binds name (in the application namespace) to obj, creating
// obj's reference if it hasn't been seen before in this transaction.
func (s *Service) SetBinding(goCtx context.Context, name string, obj any) error {
	return setBindingPrefixed(s, goCtx, appPrefix, name, obj)
}

// SetServiceBinding is SetBinding over the service-internal namespace.
func (s *Service) SetServiceBinding(goCtx context.Context, name string, obj any) error {
	return setBindingPrefixed(s, goCtx, servicePrefix, name, obj)
}

func setBindingPrefixed(s *Service, goCtx context.Context, prefix, name string, obj any) (err error) {
	s.log().Debug("op", "op", "SetBinding", "ns", prefix, "name", name)
	defer func() { s.logExit("SetBinding", name, err) }()
	if obj == nil {
		return errNullArgument("the object bound to %q must not be nil", name)
	}
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return err
	}
	ref, err := c.referenceForObject(obj)
	if err != nil {
		return err
	}
	return c.setBinding(prefix+name, ref.id)
}

// RemoveBinding unbinds name in the application namespace; the object
// itself is untouched.
func (s *Service) RemoveBinding(goCtx context.Context, name string) error {
	return removeBindingPrefixed(s, goCtx, appPrefix, name)
}

// RemoveServiceBinding is RemoveBinding over the service-internal namespace.
func (s *Service) RemoveServiceBinding(goCtx context.Context, name string) error {
	return removeBindingPrefixed(s, goCtx, servicePrefix, name)
}

func removeBindingPrefixed(s *Service, goCtx context.Context, prefix, name string) (err error) {
	s.log().Debug("op", "op", "RemoveBinding", "ns", prefix, "name", name)
	defer func() { s.logExit("RemoveBinding", name, err) }()
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return err
	}
	if err := c.removeBinding(prefix + name); err != nil {
		return renameNotBound(err, name)
	}
	return nil
}

// NextBoundName returns the lexicographic successor of name in the
// application namespace, or "" once enumeration reaches the end; an empty
// name starts enumeration from the beginning.
func (s *Service) NextBoundName(goCtx context.Context, name string) (string, error) {
	return nextBoundNamePrefixed(s, goCtx, appPrefix, name)
}

// NextServiceBoundName is NextBoundName over the service-internal
// namespace.
func (s *Service) NextServiceBoundName(goCtx context.Context, name string) (string, error) {
	return nextBoundNamePrefixed(s, goCtx, servicePrefix, name)
}

func nextBoundNamePrefixed(s *Service, goCtx context.Context, prefix, name string) (next string, err error) {
	s.log().Debug("op", "op", "NextBoundName", "ns", prefix, "name", name)
	defer func() { s.logExit("NextBoundName", name, err) }()
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return "", err
	}
	full, err := c.nextBoundName(prefix, prefix+name)
	if err != nil {
		if code, ok := CodeOf(err); ok && code == CodeNameNotBound {
			return "", nil
		}
		return "", err
	}
	return strings.TrimPrefix(full, prefix), nil
}

// renameNotBound rewrites a name-not-bound error raised against an
// internally-prefixed name so the message reports the external name the
// caller actually passed in.
func renameNotBound(err error, externalName string) error {
	if code, ok := CodeOf(err); ok && code == CodeNameNotBound {
		return errNameNotBound("no object is bound to %q", externalName)
	}
	return err
}

// CreateReference returns a reference to obj, allocating an id for it if
// this transaction hasn't seen it before.
func (s *Service) CreateReference(goCtx context.Context, obj any) (ref *Reference, err error) {
	s.log().Debug("op", "op", "CreateReference")
	defer func() { s.logExit("CreateReference", "", err) }()
	if obj == nil {
		return nil, errNullArgument("the object must not be nil")
	}
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return nil, err
	}
	return c.referenceForObject(obj)
}

// ObjectIDFor returns obj's stable identifier as an arbitrary-precision
// integer, allocating one (as CreateReference would) if this transaction
// hasn't seen obj before.
func (s *Service) ObjectIDFor(goCtx context.Context, obj any) (id *big.Int, err error) {
	s.log().Debug("op", "op", "ObjectIDFor")
	defer func() { s.logExit("ObjectIDFor", "", err) }()
	if obj == nil {
		return nil, errNullArgument("the object must not be nil")
	}
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return nil, err
	}
	ref, err := c.referenceForObject(obj)
	if err != nil {
		return nil, err
	}
	return ref.id.BigInt(), nil
}

// RemoveObject schedules obj for deletion at prepare time. obj must already
// be managed in this transaction (resolved via Get/GetForUpdate or created
// via CreateReference/SetBinding), or this fails with object-not-managed.
func (s *Service) RemoveObject(goCtx context.Context, obj any) (err error) {
	s.log().Debug("op", "op", "RemoveObject")
	defer func() { s.logExit("RemoveObject", "", err) }()
	if obj == nil {
		return errNullArgument("the object must not be nil")
	}
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return err
	}
	ref, err := c.managedReferenceFor(obj)
	if err != nil {
		return err
	}
	return c.removeObject(ref)
}

// MarkForUpdate upgrades obj's lock to exclusive and flags it dirty,
// without waiting for prepare-time modification detection to notice a
// mutation on its own. obj must already be managed in this transaction.
func (s *Service) MarkForUpdate(goCtx context.Context, obj any) (err error) {
	s.log().Debug("op", "op", "MarkForUpdate")
	defer func() { s.logExit("MarkForUpdate", "", err) }()
	if obj == nil {
		return errNullArgument("the object must not be nil")
	}
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return err
	}
	ref, err := c.managedReferenceFor(obj)
	if err != nil {
		return err
	}
	return c.markForUpdate(ref)
}

// ReferenceForID builds a reference to id without resolving it, validating
// that id is a well-formed non-negative 63-bit identifier.
func (s *Service) ReferenceForID(goCtx context.Context, id *big.Int) (ref *Reference, err error) {
	s.log().Debug("op", "op", "ReferenceForID")
	defer func() { s.logExit("ReferenceForID", "", err) }()
	c, err := s.co.contextFor(goCtx)
	if err != nil {
		return nil, err
	}
	oid, err := ObjectIDFromBigInt(id)
	if err != nil {
		return nil, err
	}
	return &Reference{id: oid, ctx: c}, nil
}
