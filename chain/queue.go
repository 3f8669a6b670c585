// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"container/list"
)

// ConcurrentQueue is a concurrent-safe FIFO queue with unbounded capacity.
// Clients interact with the queue by pushing items into the in channel and
// popping items from the out channel.  There is a goroutine that manages
// moving items from the in channel to the out channel in the correct order
// that must be started by calling Start().
type ConcurrentQueue[T any] struct {
	chanIn   chan T
	chanOut  chan T
	quit     chan struct{}
	overflow *list.List
}

// NewConcurrentQueue constructs a ConcurrentQueue.  The bufferSize parameter
// is the capacity of the output channel.  When the size of the queue is
// below this threshold, pushes do not incur the overhead of the less
// efficient overflow structure.
func NewConcurrentQueue[T any](bufferSize int) *ConcurrentQueue[T] {
	return &ConcurrentQueue[T]{
		chanIn:   make(chan T),
		chanOut:  make(chan T, bufferSize),
		quit:     make(chan struct{}),
		overflow: list.New(),
	}
}

// ChanIn returns a channel that can be used to push new items into the
// queue.
func (cq *ConcurrentQueue[T]) ChanIn() chan<- T {
	return cq.chanIn
}

// ChanOut returns a channel that can be used to pop items from the queue.
func (cq *ConcurrentQueue[T]) ChanOut() <-chan T {
	return cq.chanOut
}

// Push adds an item to the queue unless the queue is stopped first.
func (cq *ConcurrentQueue[T]) Push(item T) {
	select {
	case cq.chanIn <- item:
	case <-cq.quit:
	}
}

// Start begins a goroutine that manages moving items from the in channel to
// the out channel.  The queue tries to move items directly to the out
// channel to minimize overhead, but if the out channel is full it pushes
// items to an overflow queue.  This must be called before using the queue.
func (cq *ConcurrentQueue[T]) Start() {
	go func() {
		for {
			nextElement := cq.overflow.Front()
			if nextElement == nil {
				// Overflow queue is empty so incoming items
				// can be pushed directly to the output
				// channel.  If the output channel is full
				// though, push to the overflow list.
				select {
				case item := <-cq.chanIn:
					select {
					case cq.chanOut <- item:
					case <-cq.quit:
						return
					default:
						cq.overflow.PushBack(item)
					}
				case <-cq.quit:
					return
				}
				continue
			}

			// Overflow queue is not empty, so any new items get
			// pushed to the back to preserve order.
			select {
			case item := <-cq.chanIn:
				cq.overflow.PushBack(item)
			case cq.chanOut <- nextElement.Value.(T):
				cq.overflow.Remove(nextElement)
			case <-cq.quit:
				return
			}
		}
	}()
}

// Stop ends the goroutine that moves items from the in channel to the out
// channel.
func (cq *ConcurrentQueue[T]) Stop() {
	close(cq.quit)
}
