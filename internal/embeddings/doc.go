// Package embeddings provides address embedding generation via multiple providers.
//
// Supports FastEmbed (local ONNX) and TEI (external service) providers.
// Factory pattern enables provider selection at runtime with automatic
// dimension detection for common models. Every provider returns
// unit-L2-normalized vectors of a fixed dimension, so inner product equals
// cosine similarity for downstream nearest-neighbor search.
package embeddings
