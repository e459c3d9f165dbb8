// Package sim provides an in-memory host controller for testing and
// demonstrating the ata core.
//
// A [Controller] implements [transport.Transport] together with every
// optional capability: hard reset, link registers, timing programming and
// cable detection. Each port holds simulated disks or packet devices that
// answer IDENTIFY, SET FEATURES, READ LOG EXT (NCQ error log), READ NATIVE
// MAX / SET MAX ADDRESS, SLEEP, REQUEST SENSE and ordinary reads and writes.
//
// # Completions
//
// Commands complete asynchronously from a goroutine started by Issue. A
// completion is dropped if the command was aborted by a freeze, a reset or
// a hotplug event before it was delivered, so stale completions never
// reach the core. [Controller.Hold] queues completions until
// [Controller.Release], which makes in-flight windows deterministic.
//
// # Fault Injection
//
// [Controller.AddFault] arms a [Fault] that fails matching commands:
//   - Status/Error replace the result registers
//   - SError latches link error bits
//   - Report raises the failure as an asynchronous error, optionally
//     freezing the port
//   - Drop leaves the command in flight so it times out
//
// A queued command failing with a device error behaves like a real drive:
// the failure is recorded in log page 10h and the whole queue is aborted.
//
// [Controller.ScriptReset] overrides the outcome of upcoming resets, and
// [Controller.Plug] / [Controller.Unplug] emulate hot-plug events.
//
// # Observation
//
// Resets, issued commands, freeze/thaw counts and device state are
// recorded for assertions.
package sim
