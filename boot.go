package main

import "github.com/lifelessPixels/con64os/kernel/kmain"

// main is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is a trampoline for the actual kernel entrypoint
// (kmain.Kmain) and is intentionally defined to prevent the Go compiler
// from optimizing away the real kernel code, which it cannot see from the
// rt0 assembly side.
//
// main is invoked by the rt0 assembly stub after paging, a minimal GDT and a
// throwaway g0 stack have been set up so the Go runtime has just enough to
// execute on. main is not expected to return; if it does, rt0 halts the CPU.
func main() {
	kmain.Kmain()
}
