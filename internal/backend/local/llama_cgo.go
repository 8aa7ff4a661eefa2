//go:build llama

package local

// cgo link directives for the in-process llama executor. libllama.so and
// libggml*.so are expected next to the binary (./bin).
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../../bin -lllama
*/
import "C"
