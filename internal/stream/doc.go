// Package stream implements the cold, cancellable event streams that the
// bridge packages build on.
//
// A Stream does nothing until Subscribe is called. Each subscription runs the
// stream's producer once, receives at most one terminal event, and owns the
// Resource the producer returned until the subscription ends. Share turns a
// cold stream into a reference-counted multicast stream: the first subscriber
// connects upstream, later subscribers join the live sequence, and the
// connection is torn down when the last subscriber leaves or upstream
// terminates.
//
// Feed and Collect adapt a stream to channel- and slice-based consumers.
package stream
