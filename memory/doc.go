// Package memory implements the layered memory stores backing the
// conversational core:
//
//   - MessageLog: bounded short-term log of the active conversation
//   - EpisodicStore: durable archive of completed conversation episodes
//   - KnowledgeIndex: embedding-indexed store of domain facts
//   - ProcedureRunner: named declarative multi-step workflows
//   - RelationIndex: bidirectional entity-relationship graph
//   - RelevanceRanker: attention-weighted ranking of memory items
//   - HierarchicalStore: path-keyed tree for multi-level organization
//
// All in-memory implementations in this package are safe for concurrent use.
// Durable backends live in sub-packages (sqlite for episodes, chromem for the
// knowledge index) behind the same interfaces.
package memory
