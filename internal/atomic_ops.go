package internal

import (
	"sync/atomic"
)

func AtomicInc(addr *uint64) {
	atomic.AddUint64(addr, 1)
}

func AtomicDec(addr *uint64) {
	atomic.AddUint64(addr, ^uint64(0))
}

func AtomicLoad(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}
