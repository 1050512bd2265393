package kernel

import (
	"bytes"
	"testing"

	"github.com/lifelessPixels/con64os/kernel/cpu"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
)

type bufSink struct {
	bytes.Buffer
}

func (b *bufSink) WriteByte(ch byte) { b.Buffer.WriteByte(ch) }
func (b *bufSink) Write(p []byte)    { b.Buffer.Write(p) }

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		kfmt.SetSink(nil)
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		sink := &bufSink{}
		kfmt.SetSink(sink)
		err := &Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := sink.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		sink := &bufSink{}
		kfmt.SetSink(sink)

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := sink.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}
