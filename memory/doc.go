// Package memory provides long-term memory for the assistant.
//
// Memories are immutable records (content, type, importance, embedding,
// timestamp) kept in a vector-capable Store. Before each turn the Optimizer
// selects, ranks and compresses the most useful records so that they fit a
// fixed token budget.
//
// Architecture:
//   - Store: Vector storage backend (chromem-go, SQLite or pgvector)
//   - Embedder: Text-to-vector conversion (hashed trigrams for tests, ONNX MiniLM offline)
//   - Manager: Insert, search, stats, export and import over a Store
//   - Optimizer: Token-budgeted context assembly
//
// Scoring:
//   - Importance: Score(content, type), a pure function in [0, 1]
//   - Relevance: combined = 0.7*similarity + 0.3*importance
//
// Integration:
//   - RETRIEVING stage: Optimizer.Optimize builds the AssembledContext
//   - PERSISTING stage: Manager.Insert stores the finished exchange
package memory
