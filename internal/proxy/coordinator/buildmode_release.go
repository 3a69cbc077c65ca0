//go:build !debug

package coordinator

// debugBuild gates class-5 invariant-violation handling: false (the
// default, release) drops the affected exchange and logs; build with
// -tags debug to panic instead, for catching invariant breaks in tests.
const debugBuild = false
