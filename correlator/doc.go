// Package correlator matches inbound message exchanges to the process
// instances waiting for them.
//
// Each process endpoint owns one [Correlator]. Waiting instances place
// routes (subscriptions keyed by a [correlation.KeySet]); inbound messages
// that find no route are queued together with the keys computed from
// their payload. The two arrive in either order. Whichever arrives second
// schedules a MATCHER job, and the match is consumed inside that job's
// transaction with [Correlator.FindRoutes], [Correlator.DequeueMessage]
// and [Correlator.RemoveRoutes].
//
// Route lookup is first match by placement order, not best match: when
// several routes declare the same key set the oldest wins.
package correlator
