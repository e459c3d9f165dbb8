// Package ata implements the command queue and error handling core of a
// storage host controller.
//
// It is transport-agnostic and drives hardware through the
// [transport.Transport] interface defined in the
// github.com/ardnew/softata/transport package. A transport issues
// taskfiles and reports completions; everything else, from tag
// allocation to recovery, lives here.
//
// # Architecture
//
// The core is organized around a few objects:
//
//   - Host owns the ports of one controller and the EH ownership token
//   - Port holds the command slots, the links and the EH worker
//   - Link tracks SATA link state: speed, speed limit and reset history
//   - Device is one attached disk or packet device and its error ring
//
// # Commands
//
// Commands are submitted to a port and complete exactly once:
//
//	cmd := ata.NewRead(lba, 8, buf)
//	if err := port.Exec(ctx, dev, cmd); err != nil {
//	    var cerr *ata.CommandError
//	    if errors.As(err, &cerr) {
//	        log.Printf("read failed: %s", cerr.Mask.Names())
//	    }
//	}
//
// Queued (NCQ) and non-queued commands share the slot table; a link never
// mixes them. A command that fails is held until error handling has
// analyzed it, then either retried or completed with a [CommandError].
//
// # Error Handling
//
// A failure, timeout, hotplug or freeze schedules error handling on the
// port. The EH worker waits for the port to drain, then runs one pass:
//
//   - Autopsy classifies every failed command and the link error register
//   - Report logs the findings under a fresh episode identifier
//   - Recover resets links, revalidates devices and programs timing,
//     lowering speeds when a device keeps failing
//   - Finish retries or completes the held commands and thaws the port
//
// At most one port of a host runs error handling at a time.
//
// # Configuration
//
// [Config] carries timeouts, retry budgets, debounce profiles, speed-down
// windows and per-device overrides. It can be loaded from YAML:
//
//	cfg, err := ata.LoadConfig("/etc/softata.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h, err := ata.New(t, cfg)
//
// # Example
//
//	h, err := ata.New(transport, ata.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h.Start(ctx)
//	defer h.Stop()
//
//	// Wait for the initial discovery to find a device
//	dev, err := h.WaitDevice(ctx)
package ata
