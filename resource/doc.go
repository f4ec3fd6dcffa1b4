// Package resource maps declarative resource definitions onto a kv.Store.
//
// An [Engine] persists each resource as a serialized record and maintains
// its unique secondary indexes, collection memberships and associations.
// Every create, delete and purge is committed as a single [kv.Batch], so no
// reader observes a partially written resource.
//
// # Schemas
//
// Schemas are immutable and built with [NewSchema]:
//
//	users, err := resource.NewSchema("user").
//	    Properties("email", "name").
//	    Required("email").
//	    Index("email").
//	    GenerateWith("email", "trim", "lowercase").
//	    ValidateWith("email", "email").
//	    Build()
//
// Generators and validators are resolved by name from a [Rules] table when
// the schema is built. [LoadDefinitions] builds schemas from YAML.
//
// # Key Layout
//
//	ns:type:id                                record
//	ns:type:field:value -> id                 index (IndexLayoutString)
//	ns:type:field  {value: id}                index (IndexLayoutHash)
//	ns:type:set    {id, ...}                  collection, default "<type>s"
//	ns:type:foreignType:foreignKey:value -> id    has-one
//	ns:type:foreignType:value:set {id, ...}       has-many
//
// # Uniqueness
//
// Index values are checked against the live store before the batch is
// queued. Two concurrent creates can both pass the check; the later commit
// then overwrites the earlier index entry. Set [Config.ConditionalIndexes]
// to queue index entries as conditional writes instead: the losing create
// fails with a [*ConflictError] and none of its batch is applied.
//
// # Updates
//
// [Engine.Update] replaces the record only. Index entries, collections and
// associations keep the values written at creation.
//
// # Errors
//
//   - [*ValidationError] ([ErrValidation]) - every violated field rule
//   - [*ConflictError] ([ErrConflict]) - index value already taken
//   - [*NotFoundError] ([ErrNotFound]) - resource, index entry or association target absent
//   - [*StorageError] ([ErrStorage]) - store or codec failure
//   - [*GenerationError] ([ErrGeneration]) - id or field generation failed
//
// Context errors are returned unwrapped.
package resource
