// Package uow implements layered unit-of-work contexts over a record store.
//
// A Manager owns a tree of contexts: a private root context that is the only
// writer to the store, a long-lived main context, and any number of
// temporary or nested child contexts. Each context keeps its own pending
// changes; saving a context pushes those changes through every ancestor
// until the root commits them in one store transaction.
//
// Dictionary-shaped input is mapped onto records by an Importer, which
// decides create-versus-update through the entity's identity keys and an
// explicit ImportPolicy. The generic helpers Import, ImportAll, FetchAll and
// First decode records into caller-defined structs.
package uow
