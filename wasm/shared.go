package wasm

// SharedMemoryModule returns a module that defines one memory with the given
// limits and exports it as name. Instantiated under the host module name that
// process modules import from, it provides the memory they all share.
func SharedMemoryModule(name string, limits Limits) []byte {
	m := &Module{
		Memories: []MemoryType{{Limits: limits}},
		Exports:  []Export{{Name: name, Kind: KindMemory, Idx: 0}},
	}
	return m.Encode()
}
