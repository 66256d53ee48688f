// Package aggregator merges the tools, resources, resource templates and
// prompts of every ready child into one namespaced capability table.
//
// Each identifier is qualified as "<server>__<native>" so that two children
// exposing the same tool name never collide. Tables are immutable and
// published with an atomic swap: a request that took a Snapshot keeps seeing
// it while a rebuild, refresh or drop publishes the next one.
package aggregator
