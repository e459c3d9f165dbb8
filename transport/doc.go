// Package transport defines the boundary between the command-queue and
// error-handling core and the low-level command transport of a host
// controller.
//
// A transport implements the required [Transport] methods and any of the
// optional capability interfaces ([HardResetter], [SCRAccessor],
// [PreResetter], [PostResetter], [ModeSetter], [CableDetector]). The core
// never type-asserts capabilities at call sites; it resolves the transport
// once into an [Ops] table. Transports that share most behavior with a
// base implementation override individual methods with [Compose]:
//
//	ops := transport.Compose(base).
//	    WithoutHardReset().
//	    WithPreReset(myPreReset).
//	    Build()
//
// Completions and asynchronous errors flow back to the core through
// [Events].
//
// The package also carries the shared register vocabulary: taskfile
// layout, status and error register bits, link status/control registers,
// the [ErrMask] error taxonomy and command opcodes.
//
// An in-memory transport for tests and examples is available in
// [github.com/ardnew/softata/transport/sim].
package transport
