// Package engine implements the tenant-scoped CRUD pipeline every document
// type is served through. Each operation resolves the owning membership
// first, forces the tenant equality clause into every query, strips managed
// fields from caller payloads, validates, persists, and emits a typed event
// before returning. The role and user services are thin specializations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"idcore/internal/document"
	"idcore/internal/event"
	"idcore/internal/identity"
	"idcore/internal/obs"
	"idcore/internal/store"
)

var (
	// ErrNotFound indicates the requested document does not exist in the
	// membership.
	ErrNotFound = errors.New("engine: document not found")
	// ErrAlreadyExists indicates a duplicate slug or unique value, whether
	// caught by a validation pre-check or by the store's atomic constraint.
	ErrAlreadyExists = errors.New("engine: document already exists")
)

// ValidateFunc runs the full validation for a document about to be
// persisted. prior is nil on create. Implementations may mutate doc
// (reference embedding, credential preparation).
type ValidateFunc func(ctx context.Context, m identity.Membership, doc, prior document.Document) error

// PrepareFunc adjusts a document after managed-field stripping and before
// validation. The credential service hooks password hashing in here.
type PrepareFunc func(ctx context.Context, m identity.Membership, doc, prior document.Document) error

// Config fixes one engine instantiation to a collection and its event types.
type Config struct {
	// Component names the engine in logs and metrics ("roles", "users").
	Component  string
	Collection string
	Created    event.Type
	Updated    event.Type
	Deleted    event.Type
	Prepare    PrepareFunc
	Validate   ValidateFunc
}

// Engine is the generic tenant-scoped CRUD pipeline.
type Engine struct {
	store       store.Store
	memberships identity.MembershipStore
	emitter     *event.Emitter
	cfg         Config
	log         *zap.SugaredLogger
	now         func() time.Time
}

// New wires an engine. The emitter must outlive the engine; handlers
// registered on it run synchronously inside every mutation.
func New(s store.Store, memberships identity.MembershipStore, emitter *event.Emitter, cfg Config, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = obs.NopLogger()
	}
	return &Engine{
		store:       s,
		memberships: memberships,
		emitter:     emitter,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// Collection returns the backing collection name.
func (e *Engine) Collection() string { return e.cfg.Collection }

// Store exposes the underlying store for services that need raw access
// (credential writes bypass the managed-field strip).
func (e *Engine) Store() store.Store { return e.store }

// Page carries paging and ordering for read operations.
type Page struct {
	Skip  int
	Limit int
	Sort  []store.Sort
}

// Get returns one document by id, without its password hash.
func (e *Engine) Get(ctx context.Context, membershipID, id string) (doc document.Document, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "get", start, err) }()
	if _, err = e.memberships.Get(ctx, membershipID); err != nil {
		return nil, err
	}
	raw, err := e.load(ctx, membershipID, id)
	if err != nil {
		return nil, err
	}
	return presentable(raw), nil
}

// List returns a page of the membership's documents and the total count.
func (e *Engine) List(ctx context.Context, membershipID string, page Page) (docs []document.Document, total int, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "list", start, err) }()
	return e.find(ctx, membershipID, store.Filter{}, page, nil)
}

// Query returns documents matching the caller's filter ANDed with the
// tenant clause. fields, when non-empty, projects the result documents to
// the named top-level fields.
func (e *Engine) Query(ctx context.Context, membershipID string, f store.Filter, page Page, fields []string) (docs []document.Document, total int, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "query", start, err) }()
	return e.find(ctx, membershipID, f, page, fields)
}

// Search runs a full-text keyword query within the membership.
func (e *Engine) Search(ctx context.Context, membershipID, keyword string, page Page) (docs []document.Document, total int, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "search", start, err) }()
	return e.find(ctx, membershipID, store.Text(keyword), page, nil)
}

func (e *Engine) find(ctx context.Context, membershipID string, f store.Filter, page Page, fields []string) ([]document.Document, int, error) {
	if _, err := e.memberships.Get(ctx, membershipID); err != nil {
		return nil, 0, err
	}
	raw, total, err := e.store.Find(ctx, e.cfg.Collection, store.InMembership(membershipID, f), store.FindOptions{
		Skip:      page.Skip,
		Limit:     page.Limit,
		WithCount: true,
		Sort:      page.Sort,
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]document.Document, len(raw))
	for i, doc := range raw {
		out[i] = project(presentable(doc), fields)
	}
	return out, total, nil
}

// Create runs the full pipeline for a new document and returns the
// persisted result without its password hash.
func (e *Engine) Create(ctx context.Context, utz identity.Utilizer, membershipID string, payload document.Document) (doc document.Document, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "create", start, err) }()

	m, err := e.memberships.Get(ctx, membershipID)
	if err != nil {
		return nil, err
	}

	candidate := document.Clone(payload)
	document.StripManaged(candidate)
	candidate[document.FieldMembershipID] = membershipID
	candidate[document.FieldSys] = identity.SysDocument(identity.Stamp(utz, e.now().UTC()))

	if e.cfg.Prepare != nil {
		if err = e.cfg.Prepare(ctx, m, candidate, nil); err != nil {
			return nil, err
		}
	}
	if e.cfg.Validate != nil {
		if err = e.cfg.Validate(ctx, m, candidate, nil); err != nil {
			return nil, err
		}
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	// The write has started: run it and its event to completion regardless
	// of cancellation so no committed write goes unannounced.
	id, err := e.store.Insert(context.WithoutCancel(ctx), e.cfg.Collection, candidate)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
		return nil, err
	}
	candidate[document.FieldID] = id

	result := presentable(candidate)
	e.emit(ctx, event.Event{
		MembershipID: membershipID,
		Type:         e.cfg.Created,
		Utilizer:     utz,
		Document:     result,
	})
	e.log.Debugw("document created", "component", e.cfg.Component, "membership_id", membershipID, "id", id)
	return result, nil
}

// Update merges the partial payload onto the current document, re-validates
// the merge result against the prior document, persists and emits an event
// carrying both versions.
func (e *Engine) Update(ctx context.Context, utz identity.Utilizer, membershipID, id string, partial document.Document) (doc document.Document, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "update", start, err) }()

	m, err := e.memberships.Get(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	current, err := e.load(ctx, membershipID, id)
	if err != nil {
		return nil, err
	}

	patch := document.Clone(partial)
	document.StripManaged(patch)
	merged := document.Merge(current, patch)
	merged[document.FieldMembershipID] = membershipID
	merged[document.FieldSys] = identity.SysDocument(identity.SysFromDocument(current).Touch(utz, e.now().UTC()))

	if e.cfg.Prepare != nil {
		if err = e.cfg.Prepare(ctx, m, merged, current); err != nil {
			return nil, err
		}
	}
	if e.cfg.Validate != nil {
		if err = e.cfg.Validate(ctx, m, merged, current); err != nil {
			return nil, err
		}
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	if err = e.store.Replace(context.WithoutCancel(ctx), e.cfg.Collection, id, merged); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
		return nil, err
	}
	merged[document.FieldID] = id

	result := presentable(merged)
	e.emit(ctx, event.Event{
		MembershipID: membershipID,
		Type:         e.cfg.Updated,
		Utilizer:     utz,
		Document:     result,
		Prior:        presentable(current),
	})
	e.log.Debugw("document updated", "component", e.cfg.Component, "membership_id", membershipID, "id", id)
	return result, nil
}

// Delete removes one document, emitting an event that carries the removed
// version. A missing document fails with ErrNotFound.
func (e *Engine) Delete(ctx context.Context, utz identity.Utilizer, membershipID, id string) (ok bool, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "delete", start, err) }()

	if _, err = e.memberships.Get(ctx, membershipID); err != nil {
		return false, err
	}
	current, err := e.load(ctx, membershipID, id)
	if err != nil {
		return false, err
	}
	if err = ctx.Err(); err != nil {
		return false, err
	}

	ok, err = e.store.Delete(context.WithoutCancel(ctx), e.cfg.Collection, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.emit(ctx, event.Event{
		MembershipID: membershipID,
		Type:         e.cfg.Deleted,
		Utilizer:     utz,
		Document:     presentable(current),
	})
	e.log.Debugw("document deleted", "component", e.cfg.Component, "membership_id", membershipID, "id", id)
	return true, nil
}

// BulkOutcome is the explicit three-way result of a bulk delete.
type BulkOutcome int

const (
	// AllSucceeded means every id was deleted.
	AllSucceeded BulkOutcome = iota
	// Partial means some ids were deleted and some were not.
	Partial
	// AllFailed means no id was deleted.
	AllFailed
)

// BulkResult reports a bulk delete per id, so callers can distinguish the
// mixed outcome and know which ids failed.
type BulkResult struct {
	Outcome   BulkOutcome
	Succeeded []string
	Failed    []string
}

// BulkDelete attempts every id independently.
func (e *Engine) BulkDelete(ctx context.Context, utz identity.Utilizer, membershipID string, ids []string) (res BulkResult, err error) {
	start := e.now()
	defer func() { obs.ObserveOperation(e.cfg.Component, "bulk_delete", start, err) }()

	if _, err = e.memberships.Get(ctx, membershipID); err != nil {
		return BulkResult{}, err
	}
	for _, id := range ids {
		if _, delErr := e.Delete(ctx, utz, membershipID, id); delErr != nil {
			res.Failed = append(res.Failed, id)
		} else {
			res.Succeeded = append(res.Succeeded, id)
		}
	}
	switch {
	case len(res.Failed) == 0 && len(res.Succeeded) > 0:
		res.Outcome = AllSucceeded
	case len(res.Succeeded) == 0:
		res.Outcome = AllFailed
	default:
		res.Outcome = Partial
	}
	return res, nil
}

// load fetches the raw document, password hash included, scoped to the
// membership.
func (e *Engine) load(ctx context.Context, membershipID, id string) (document.Document, error) {
	doc, err := e.store.FindOne(ctx, e.cfg.Collection, store.InMembership(membershipID, store.ByID(id)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, err
}

func (e *Engine) emit(ctx context.Context, evt event.Event) {
	evt.At = e.now().UTC()
	e.emitter.Emit(context.WithoutCancel(ctx), evt)
}

// presentable deep-copies a document and removes the password hash; results
// and event payloads never carry it.
func presentable(doc document.Document) document.Document {
	out := document.Clone(doc)
	delete(out, document.FieldPasswordHash)
	return out
}

// project keeps only the requested top-level fields plus the identifier.
func project(doc document.Document, fields []string) document.Document {
	if len(fields) == 0 {
		return doc
	}
	out := document.Document{}
	if id := document.ID(doc); id != "" {
		out[document.FieldID] = id
	}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}
