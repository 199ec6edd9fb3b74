package loopback

import "runtime"

// cpuRelax mirrors the teacher's per-platform relax_amd64.go/relax_stub.go
// split (a PAUSE instruction on amd64, a no-op fallback elsewhere). This
// module targets portability over that last few nanoseconds, so a single
// runtime.Gosched() stands in on every platform, the same choice
// msgbuf's cpuRelax makes.
func cpuRelax() { runtime.Gosched() }
