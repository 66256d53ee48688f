// Package procgroup starts children in their own process group so that a
// stop reaches every descendant, including the node or python interpreter
// an npx or uvx launcher spawns.
package procgroup
