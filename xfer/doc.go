// Package xfer maps between transfer mode numbers, packed transfer mode
// masks and per-mode bus timings.
//
// Every function is pure. A mode's position in [Mask] is its linear speed
// rank, so the fastest mode of a mask is its highest set bit.
package xfer
