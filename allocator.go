// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import "sort"

// channelAllocator hands out channel ids 1..max.  It tracks the high
// water mark of ever-allocated ids and a set of released ids; released
// ids are reused before the high water mark grows.  Channel 0 is the
// connection channel and is never allocated.
//
// The allocator is not safe for concurrent use; the owning connection
// serializes access under its field mutex.
type channelAllocator struct {
	ceil uint16   // high water mark of allocated ids
	free []uint16 // released ids <= ceil, kept sorted ascending
	max  uint16   // negotiated channel-max, 0 means no limit
}

// next returns the lowest released id when one exists, otherwise grows
// the high water mark.  Fails with ErrNoChannelAvailable once ceil has
// reached channel-max and nothing was released.
func (a *channelAllocator) next() (uint16, error) {
	if len(a.free) > 0 {
		id := a.free[0]
		a.free = a.free[1:]
		return id, nil
	}

	if a.max == 0 || a.ceil < a.max {
		a.ceil++
		return a.ceil, nil
	}

	return 0, ErrNoChannelAvailable
}

// release returns an id to the free set, eligible for immediate reuse.
func (a *channelAllocator) release(id uint16) {
	if id == 0 || id > a.ceil {
		return
	}
	at := sort.Search(len(a.free), func(i int) bool { return a.free[i] >= id })
	if at < len(a.free) && a.free[at] == id {
		return
	}
	a.free = append(a.free, 0)
	copy(a.free[at+1:], a.free[at:])
	a.free[at] = id
}

// count is the number of live channels: allocated minus released.
func (a *channelAllocator) count() int {
	return int(a.ceil) - len(a.free)
}
