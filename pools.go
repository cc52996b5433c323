package objdb

import "sync"

// valueBytesPool supplies scratch buffers for the payload encode path, the
// one hot loop in this package that would otherwise allocate per object.
var valueBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 65536)
	},
}

func releaseValueBytes(b []byte) {
	valueBytesPool.Put(b[:0])
}
