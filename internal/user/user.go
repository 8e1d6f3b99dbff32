// Package user wires the users engine: schema-driven validation, password
// hashing on create/update, and source-provider normalization.
package user

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"idcore/internal/credential"
	"idcore/internal/document"
	"idcore/internal/engine"
	"idcore/internal/event"
	"idcore/internal/identity"
	"idcore/internal/schema"
	"idcore/internal/store"
)

// Collection is the backing collection for user documents.
const Collection = "users"

// DefaultProvider is the source provider assumed when a user document
// carries no recognizable provider tag.
const DefaultProvider = "local"

var providerPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// NewEngine builds the users engine. Validation resolves the document's
// declared type through the registry; the prepare hook hashes passwords and
// normalizes the provider tag.
func NewEngine(s store.Store, memberships identity.MembershipStore, emitter *event.Emitter, registry schema.Registry, log *zap.SugaredLogger) *engine.Engine {
	validator := schema.NewValidator(s, registry, Collection)
	return engine.New(s, memberships, emitter, engine.Config{
		Component:  "users",
		Collection: Collection,
		Created:    event.UserCreated,
		Updated:    event.UserUpdated,
		Deleted:    event.UserDeleted,
		Prepare:    prepare,
		Validate: func(ctx context.Context, m identity.Membership, doc, prior document.Document) error {
			slug, _ := document.GetString(doc, document.FieldType)
			typ, err := registry.Get(ctx, m.ID, slug)
			if err != nil {
				return err
			}
			return validator.Validate(ctx, doc, typ, prior)
		},
	}, log)
}

func prepare(ctx context.Context, m identity.Membership, doc, prior document.Document) error {
	NormalizeProvider(doc)
	return credential.PrepareDocument(ctx, m, doc, prior)
}

// NormalizeProvider replaces a missing or malformed provider tag with the
// default provider instead of failing the document.
func NormalizeProvider(doc document.Document) {
	provider, ok := doc[document.FieldProvider]
	if !ok {
		return
	}
	tag, isString := provider.(string)
	if !isString || !providerPattern.MatchString(tag) {
		doc[document.FieldProvider] = DefaultProvider
	}
}
