// Package backend defines the contract every isolation backend satisfies,
// the shared per-context state backends embed, and the factory registry the
// lifecycle manager creates backends from.
package backend
