// Package native implements the address space primitives of the relro loader on Linux.
//
// # Segments
//
// [Linker.Load] maps every PT_LOAD segment of a shared object at a chosen base,
// then makes the PT_GNU_RELRO range read-only.
//
// # Sharing
//
// [Linker.CreateRelro] copies the RELRO range into a sealed memfd and [Linker.ReplaceRelro]
// maps such an object over an identical local range, after comparing the bytes.
//
// # Memory map
//
// [Mappings] reads /proc through procfs, it is how a child finds the region an ancestor named.
package native

import "github.com/ZenLiuCN/relro"

var _ relro.Native = (*Linker)(nil)
