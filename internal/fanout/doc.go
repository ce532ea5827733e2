// Package fanout broadcasts hub events to observers.
//
// There is one topic. Event is a closed set of four variants:
//
//   - AgentsChanged: the full agent map after a registry change
//   - HistoryAppended: one persisted command-history entry
//   - ScreenFrame / AudioFrame: relayed telemetry frames
//
// Publish delivers a batch to every subscriber in order. Delivery is at most
// once per subscriber; a subscriber whose buffer is full misses events rather
// than stalling the publisher, and late subscribers get no replay. Observers
// resynchronise by querying the full state.
package fanout
