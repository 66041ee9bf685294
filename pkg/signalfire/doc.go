// Package signalfire negotiates peer-to-peer WebRTC connections with many
// remote peers over a single relay link.
//
// A Router owns the relay link and the local identity the relay assigns. It
// keeps one Session per remote identity: sessions are opened explicitly with
// OpenSession or created on first contact when an envelope arrives from an
// unknown sender. A Session drives the offer/answer and ICE candidate exchange
// for its peer connection, and a SubChannel wraps one data channel opened over
// it.
//
// Components report what happens to them through typed events; Subscribe
// registers a handler and returns a function that removes it.
package signalfire
