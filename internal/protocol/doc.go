// Package protocol defines the WebSocket message protocol between the hub,
// its agents and its observers.
//
// Every frame is a JSON object with a "type" field. DecodeAgent and
// DecodeObserver accept only the types valid for that role and validate
// required fields; hub-originated messages are built with the New*
// constructors and written through a Sender, which addresses connections by
// ID and never blocks.
package protocol
