// Package stubs provides native-ABI stub implementations for libc, the
// C++ ABI, and pthreads — the functions compiled-in ARM support code
// (client.bin's static libc, STL, and threading glue) expects to call,
// none of which are part of the emulated JVM bridge itself.
package stubs

import (
	"go.uber.org/zap"

	"github.com/kwipi/wipi-ktf/internal/core"
	glog "github.com/kwipi/wipi-ktf/internal/log"
)

func init() {
	RegisterFunc("libc", "malloc", stubMalloc)
	RegisterFunc("libc", "calloc", stubCalloc)
	RegisterFunc("libc", "realloc", stubRealloc)
	RegisterFunc("libc", "free", stubFree)
	RegisterFunc("libc", "memcpy", stubMemcpy)
	RegisterFunc("libc", "memset", stubMemset)
	RegisterFunc("libc", "memmove", stubMemmove)
	RegisterFunc("libc", "strlen", stubStrlen)
	RegisterFunc("libc", "strcmp", stubStrcmp)
	RegisterFunc("libc", "strncmp", stubStrncmp)
	RegisterFunc("libc", "strcpy", stubStrcpy)
	RegisterFunc("libc", "strncpy", stubStrncpy)

	RegisterFunc("libc", "_Znwj", stubNew, "_Znaj")   // operator new/new[](size_t) on ARM32 (size_t=uint32)
	RegisterFunc("libc", "_ZdlPv", stubDelete, "_ZdaPv")

	RegisterFunc("libc", "gettimeofday", stubGettimeofday)
	RegisterFunc("libc", "clock_gettime", stubClockGettime)
	RegisterFunc("libc", "time", stubTime)
}

func align16(n uint32) uint32 { return (n + 15) &^ 15 }

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func allocZeroed(c *core.ArmCore, size uint32) (uint32, error) {
	if size == 0 {
		size = 16
	}
	size = align16(size)
	ptr, err := c.Alloc(size)
	if err != nil {
		return 0, err
	}
	zeros := make([]byte, minU32(size, 4096))
	if err := c.WriteBytes(ptr, zeros); err != nil {
		return 0, err
	}
	return ptr, nil
}

func stubMalloc(c *core.ArmCore) (core.CallResult, error) {
	size, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	ptr, err := allocZeroed(c, size)
	if err != nil {
		return core.CallResult{}, err
	}
	logCall(c, "malloc", glog.Size(size), glog.Ptr("ptr", ptr))
	return core.Value(ptr), nil
}

func stubCalloc(c *core.ArmCore) (core.CallResult, error) {
	count, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	size, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	ptr, err := allocZeroed(c, count*size)
	if err != nil {
		return core.CallResult{}, err
	}
	logCall(c, "calloc", glog.Ptr("ptr", ptr))
	return core.Value(ptr), nil
}

func stubRealloc(c *core.ArmCore) (core.CallResult, error) {
	// The original pointer's contents are not carried over: the heap
	// allocator tracks sizes but not block contents, and nothing in the
	// bridge exercises a growing buffer across a realloc boundary.
	size, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	ptr, err := allocZeroed(c, size)
	if err != nil {
		return core.CallResult{}, err
	}
	logCall(c, "realloc", glog.Ptr("ptr", ptr))
	return core.Value(ptr), nil
}

func stubFree(c *core.ArmCore) (core.CallResult, error) {
	logCall(c, "free")
	return core.Void(), nil
}

func stubNew(c *core.ArmCore) (core.CallResult, error) {
	size, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	ptr, err := allocZeroed(c, size)
	if err != nil {
		return core.CallResult{}, err
	}
	logCall(c, "new", glog.Ptr("ptr", ptr))
	return core.Value(ptr), nil
}

func stubDelete(c *core.ArmCore) (core.CallResult, error) {
	logCall(c, "delete")
	return core.Void(), nil
}

func stubMemcpy(c *core.ArmCore) (core.CallResult, error) {
	dest, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	src, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	n, err := c.Arg(2)
	if err != nil {
		return core.CallResult{}, err
	}
	if n > 0 && n < 0x100000 {
		data := make([]byte, n)
		if err := c.ReadBytes(src, data); err == nil {
			c.WriteBytes(dest, data)
		}
	}
	return core.Value(dest), nil
}

func stubMemset(c *core.ArmCore) (core.CallResult, error) {
	dest, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	ch, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	n, err := c.Arg(2)
	if err != nil {
		return core.CallResult{}, err
	}
	if n > 0 && n < 0x100000 {
		data := make([]byte, n)
		b := byte(ch & 0xff)
		for i := range data {
			data[i] = b
		}
		c.WriteBytes(dest, data)
	}
	return core.Value(dest), nil
}

func stubMemmove(c *core.ArmCore) (core.CallResult, error) {
	return stubMemcpy(c)
}

func stubStrlen(c *core.ArmCore) (core.CallResult, error) {
	addr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	s, err := c.ReadCString(addr)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(uint32(len(s))), nil
}

func readCStringAt(c *core.ArmCore, addr uint32, maxLen int) string {
	s, err := c.ReadCString(addr)
	if err != nil {
		return ""
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func stubStrcmp(c *core.ArmCore) (core.CallResult, error) {
	p1, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	p2, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	s1, s2 := readCStringAt(c, p1, 4096), readCStringAt(c, p2, 4096)
	return core.Value(compareStrings(s1, s2)), nil
}

func stubStrncmp(c *core.ArmCore) (core.CallResult, error) {
	p1, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	p2, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	n, err := c.Arg(2)
	if err != nil {
		return core.CallResult{}, err
	}
	s1, s2 := readCStringAt(c, p1, int(n)), readCStringAt(c, p2, int(n))
	return core.Value(compareStrings(s1, s2)), nil
}

func compareStrings(a, b string) uint32 {
	switch {
	case a < b:
		return 0xffffffff
	case a > b:
		return 1
	default:
		return 0
	}
}

func stubStrcpy(c *core.ArmCore) (core.CallResult, error) {
	dest, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	src, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	s, err := c.ReadCString(src)
	if err != nil {
		return core.CallResult{}, err
	}
	if err := c.WriteCString(dest, s); err != nil {
		return core.CallResult{}, err
	}
	return core.Value(dest), nil
}

func stubStrncpy(c *core.ArmCore) (core.CallResult, error) {
	dest, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	src, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	n, err := c.Arg(2)
	if err != nil {
		return core.CallResult{}, err
	}
	s := readCStringAt(c, src, int(n))
	data := make([]byte, n)
	copy(data, s)
	if err := c.WriteBytes(dest, data); err != nil {
		return core.CallResult{}, err
	}
	return core.Value(dest), nil
}

// Mocked time, for deterministic traces.
var (
	MockTimeSec  uint32 = 1704067200 // 2024-01-01 00:00:00 UTC
	MockTimeUSec uint32
	MockTimeNSec uint32
)

func stubGettimeofday(c *core.ArmCore) (core.CallResult, error) {
	tv, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	if tv != 0 {
		c.WriteU32(tv, MockTimeSec)
		c.WriteU32(tv+4, MockTimeUSec)
	}
	return core.Value(0), nil
}

func stubClockGettime(c *core.ArmCore) (core.CallResult, error) {
	tp, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	if tp != 0 {
		c.WriteU32(tp, MockTimeSec)
		c.WriteU32(tp+4, MockTimeNSec)
	}
	return core.Value(0), nil
}

func stubTime(c *core.ArmCore) (core.CallResult, error) {
	tloc, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	if tloc != 0 {
		c.WriteU32(tloc, MockTimeSec)
	}
	return core.Value(MockTimeSec), nil
}

func logCall(c *core.ArmCore, name string, fields ...zap.Field) {
	if glog.L != nil {
		glog.L.WithCategory("libc").Debug(name, fields...)
	}
}
