// Package remote implements the connection managers for both roles of the
// remote-control protocol.
//
// A [Client] browses for controllable peers, resolves one, and keeps at
// most one outbound connection. A [Server] listens on a TCP port,
// advertises it, and services one inbound controller at a time; a newer
// controller supersedes an older one. Both roles exchange length-prefixed
// frames (package frame) over the stream and drive the same read state
// machine: a [Connection] alternates between awaiting a 4-byte header and
// awaiting a body of exactly the declared length, tracked as explicit
// state rather than inferred from read sizes.
//
// Everything observable is reported through a [Handler] as one of a fixed
// set of [Notification] variants. Notifications from one Client or Server
// are delivered in order and never concurrently, so a handler needs no
// locking of its own and may call back into the manager.
//
// Failures carry an [Error] with a [Kind] from the protocol's taxonomy.
// Bind, resolve and connect failures are returned to the caller. Transport
// failures tear the connection down; the server then re-binds its
// listening port, while the client does not reconnect. Frame bodies that
// are neither UTF-8 text nor an encoded event are dropped with a
// [Failure] notification and the stream continues.
package remote
