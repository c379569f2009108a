// Package billing reconciles Google Play purchase events into local
// entitlements (question credits and the unlimited subscription).
//
// Two entry points feed one reconciler: the Pub/Sub RTDN push endpoint
// (Ingest) and the client-initiated verify call (Reconcile). Both may race,
// across instances, for the same purchase token. Correctness never relies on
// in-process locking; it comes from three database invariants:
//
//   - purchase_events has a unique message_id, so a redelivered notification
//     stores nothing new,
//   - play_purchases has a unique purchase_token with an immutable user
//     binding, so a token can never switch owners,
//   - entitlement_applications has a unique (purchase_token, effect_key), so
//     the ledger delta for one validated provider state applies exactly once
//     no matter how many reconcilers race.
//
// Stored events are triggers and audit records only. Every entitlement effect
// is derived from a live validation call against the Play Developer API, so
// out-of-order and duplicate deliveries converge on the provider's current
// state. Provider acknowledgment runs after the grant commits and is retried
// out of band; a failed acknowledge never takes back credits.
package billing
