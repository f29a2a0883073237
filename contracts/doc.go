// Package contracts defines the wire-level value types of the relaybus
// protocol: the Event envelope carried between publishers and
// subscribers, the Request/Response pair used by the RPC layer, and
// the error taxonomy shared by both.
//
// All types serialize to flat UTF-8 JSON with snake_case field names
// so that services written in other languages can speak the same
// protocol without a Go-specific codec.
package contracts
