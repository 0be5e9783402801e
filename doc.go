// Package resolution provides the shared vocabulary of an entity-resolution
// engine; entity resolution deduplicates records about the same real-world
// entity (a person, a company, a vessel) that were collected independently from
// many heterogeneous data sources, so that consumers see one merged profile
// instead of near-duplicate fragments.
//
// Source data arrives as Statement values: atomic (entity, property, value)
// facts attributed to a single dataset. Statements are grouped into Entity
// values on read, after their identifiers have been rewritten to canonical
// identifiers by an identity graph of pairwise judgements (see Edge and
// EdgeLog).
//
// The shapes of entities are described by a static registry of Schema values
// (see Lookup), loaded once from an embedded YAML document. Property access is
// checked against that registry and fails fast with ErrUnknownProperty on an
// unknown (schema, property) combination.
//
// Sub-packages implement the moving parts:
//
//   - store keeps a versioned log of statements per dataset and assembles
//     entities on demand.
//   - resolver maintains the identity graph and its read-only Linker projection.
//   - index proposes likely duplicates without comparing every pair.
//   - edges collapses duplicate relationship entities once their endpoints are
//     merged.
//   - archive publishes immutable dataset versions to object storage.
package resolution
