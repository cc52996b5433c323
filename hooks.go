package objdb

import (
	"context"
	"math/big"
)

// ObjectReplacer rewrites the object argument of a [TranslatingService]
// operation before it reaches the underlying [Service]. Returning the
// argument unchanged is always legal; returning nil surfaces as a
// null-argument error from the wrapped operation.
type ObjectReplacer func(obj any) any

// TranslatingService decorates a [Service], passing the object argument of
// every object-taking operation (SetBinding, RemoveObject, MarkForUpdate,
// CreateReference, ObjectIDFor) through a replacement function before
// delegating. Callers that hand application code wrapper or proxy objects
// install one of these in front of the Service to unwrap them, instead of
// hooking the operations themselves.
//
// Operations that don't take an object (binding lookup and removal,
// enumeration, ReferenceForID) are inherited from the embedded Service
// unchanged.
type TranslatingService struct {
	*Service
	replace ObjectReplacer
}

// NewTranslatingService wraps svc so that every object argument is passed
// through replace first. A nil replace yields a decorator that delegates
// unchanged.
func NewTranslatingService(svc *Service, replace ObjectReplacer) *TranslatingService {
	return &TranslatingService{Service: svc, replace: replace}
}

func (ts *TranslatingService) rewrite(obj any) any {
	if ts.replace == nil {
		return obj
	}
	return ts.replace(obj)
}

func (ts *TranslatingService) SetBinding(goCtx context.Context, name string, obj any) error {
	return ts.Service.SetBinding(goCtx, name, ts.rewrite(obj))
}

func (ts *TranslatingService) SetServiceBinding(goCtx context.Context, name string, obj any) error {
	return ts.Service.SetServiceBinding(goCtx, name, ts.rewrite(obj))
}

func (ts *TranslatingService) CreateReference(goCtx context.Context, obj any) (*Reference, error) {
	return ts.Service.CreateReference(goCtx, ts.rewrite(obj))
}

func (ts *TranslatingService) RemoveObject(goCtx context.Context, obj any) error {
	return ts.Service.RemoveObject(goCtx, ts.rewrite(obj))
}

func (ts *TranslatingService) MarkForUpdate(goCtx context.Context, obj any) error {
	return ts.Service.MarkForUpdate(goCtx, ts.rewrite(obj))
}

func (ts *TranslatingService) ObjectIDFor(goCtx context.Context, obj any) (*big.Int, error) {
	return ts.Service.ObjectIDFor(goCtx, ts.rewrite(obj))
}
