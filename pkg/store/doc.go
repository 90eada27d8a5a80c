// Package store defines the persistence-facing contract consumed by the
// root context of a go-uow context tree, plus a small in-memory
// implementation.
//
// Responsibilities:
//   - Store only fetches rows for one entity and opens transactions.
//   - Txn stages creates, updates and deletes and applies them atomically
//     on Commit. Nothing staged in a Txn is visible to Fetch before Commit.
//   - Row values are plain maps; typing and relationship translation stay
//     in the uow package so adapters remain schema-agnostic.
//
// Data flow:
//
//	uow root context -> Store.Begin -> Txn.Create/Update/Delete -> Txn.Commit
//
// The PostgreSQL adapter lives in pkg/store/pgstore.
package store
