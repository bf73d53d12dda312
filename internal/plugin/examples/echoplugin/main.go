// Command echoplugin is a demo plugin ABI implementation (spec.md
// §4.7/§6.4): it registers a single opcode, "echo.reflect", that
// returns its argument list unchanged. It exists to exercise the
// loader end to end; built as a Go plugin with:
//
//	go build -buildmode=plugin -o echoplugin.so ./internal/plugin/examples/echoplugin
//
// No concrete cloud/RNG/HTTP/SQLite/vector plugin ships in this repo —
// writing one would mean choosing and wiring a whole additional
// third-party SDK whose only consumer is a demo, which is out of scope
// here. echoplugin is the minimal proof that the ABI itself works.
package main

import viwoplugin "github.com/rhizome-lab/viwo/internal/plugin"

// Version is read by the host before PluginInit is ever called; the
// host refuses to load this plugin if Major does not match its own.
var Version = viwoplugin.Version{Major: 1, Minor: 0, Patch: 0}

// PluginInit registers this plugin's opcodes with the host.
func PluginInit(register viwoplugin.RegisterFunc) int32 {
	return register("echo.reflect", echoReflect)
}

// PluginCleanup is idempotent: it holds no resources to release.
func PluginCleanup() {}

func echoReflect(args []any) (any, error) {
	out := make([]any, len(args))
	copy(out, args)
	return out, nil
}

func main() {}
