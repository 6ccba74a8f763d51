// Package tx implements managed transactions for the scheduler.
//
// A [Tx] rides on the context. It pairs the storage transaction opened by a
// [Beginner] with the engine-side state that must follow the outcome of
// that storage transaction: synchronizers, on-commit and on-rollback
// closures, and keyed locks.
//
// Completion order on commit:
//
//  1. BeforeCompletion of every synchronizer, in registration order
//     (an error rolls the transaction back)
//  2. storage commit
//  3. locks released
//  4. AfterCompletion(true), then on-commit closures in registration order
//
// On rollback the storage transaction is rolled back, locks are released,
// AfterCompletion(false) runs and on-rollback closures run in reverse
// registration order so they can undo effects step by step.
package tx
