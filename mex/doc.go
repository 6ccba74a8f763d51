// Package mex implements the message exchange: one request, with an
// optional response, between the engine and a partner.
//
// # State machine
//
//	NEW ──Request──▶ REQ   (BLOCKING, TRANSACTED)
//	NEW ──Request──▶ ASYNC (ASYNC, RELIABLE)
//	REQ ──ReplyAsync──▶ ASYNC
//	REQ|ASYNC ──Reply|ReplyWithFault|ReplyWithFailure|ReplyOneWayOK──▶ ACK
//	ACK ──Complete──▶ COMPLETED
//
// Exactly one acknowledgement is ever recorded. Every illegal transition
// returns an error wrapping [ErrInvalidState] and leaves the exchange
// unchanged.
//
// Failures that cross the engine/partner boundary are data: an ACK with
// [AckFailure] carries a [Failure] whose [FailureType] callers switch on.
package mex
