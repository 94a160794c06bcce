package statestore

import (
	"crypto/rand"
	"sync"
	"time"
)

// Push keys are a fixed-width millisecond timestamp followed by random
// padding, both over an ordered alphabet, so that byte order equals
// creation order. Keys generated within the same millisecond stay ordered
// by incrementing the previous padding instead of drawing fresh randomness.

const pushAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const (
	pushTimeLen = 9
	pushRandLen = 8
)

var (
	pushMu       sync.Mutex
	pushLastMs   int64
	pushLastRand [pushRandLen]byte // indexes into pushAlphabet
)

// NewPushID returns a generated append key.
func NewPushID() string {
	return newPushIDAt(time.Now().UnixMilli())
}

func newPushIDAt(ms int64) string {
	pushMu.Lock()
	defer pushMu.Unlock()

	if ms <= pushLastMs {
		// Same (or rewound) clock tick: bump the padding to keep ordering.
		ms = pushLastMs
		for i := pushRandLen - 1; i >= 0; i-- {
			if pushLastRand[i] < byte(len(pushAlphabet)-1) {
				pushLastRand[i]++
				break
			}
			pushLastRand[i] = 0
		}
	} else {
		var buf [pushRandLen]byte
		_, _ = rand.Read(buf[:])
		for i, b := range buf {
			pushLastRand[i] = b % byte(len(pushAlphabet))
		}
	}
	pushLastMs = ms

	var key [pushTimeLen + pushRandLen]byte
	t := ms
	for i := pushTimeLen - 1; i >= 0; i-- {
		key[i] = pushAlphabet[t%int64(len(pushAlphabet))]
		t /= int64(len(pushAlphabet))
	}
	for i, idx := range pushLastRand {
		key[pushTimeLen+i] = pushAlphabet[idx]
	}
	return string(key[:])
}
