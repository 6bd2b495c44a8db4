// Package manager owns the set of live execution contexts. It creates them
// through the backend registry, routes operations to them, records each
// execution in the history store, publishes command output to subscribers
// and reclaims contexts that have failed, stopped or outlived their maximum
// age.
package manager
