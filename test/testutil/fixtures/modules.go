// Package fixtures provides canned WebAssembly modules and a registry
// serving them for tests that exercise the full pull-and-run path.
package fixtures

// The modules are hand-assembled WebAssembly binaries, kept small enough
// to read section by section.

// ModuleHello imports wasi fd_write and prints "hello\n" to stdout. The
// iovec lives at offset 0 and the string at offset 8 of its memory.
var ModuleHello = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0c, 0x02, // types
	0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, // (i32 i32 i32 i32) -> (i32)
	0x60, 0x00, 0x00, // () -> ()
	0x02, 0x23, 0x01, // one import
	0x16, 'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
	0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e',
	0x00, 0x00,
	0x03, 0x02, 0x01, 0x01, // one function of type 1
	0x05, 0x03, 0x01, 0x00, 0x01, // memory: min 1 page
	0x07, 0x13, 0x02, // exports
	0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0a, 0x0f, 0x01, 0x0d, 0x00, // body: fd_write(1, 0, 1, 20); drop
	0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x14, 0x10, 0x00, 0x1a, 0x0b,
	0x0b, 0x14, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x0e, // data at offset 0
	0x08, 0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, // iovec{ptr: 8, len: 6}
	'h', 'e', 'l', 'l', 'o', '\n',
}

// ModuleExit7 imports wasi proc_exit and calls it with code 7.
var ModuleExit7 = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00, // types: (i32) -> (), () -> ()
	0x02, 0x24, 0x01, // one import
	0x16, 'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
	0x09, 'p', 'r', 'o', 'c', '_', 'e', 'x', 'i', 't',
	0x00, 0x00, // func of type 0
	0x03, 0x02, 0x01, 0x01, // one function of type 1
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01, // export "_start" (func 1, after the import)
	0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, 0x07, 0x10, 0x00, 0x0b, // body: i32.const 7; call 0
}

// ModuleLoop spins forever, for exercising termination paths.
var ModuleLoop = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // loop { br 0 }
}
