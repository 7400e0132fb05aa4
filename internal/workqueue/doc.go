// Package workqueue provides the deduplicating work queue shared by a
// controller's workers.
//
// An item is in at most one of three places at a time from a worker's point
// of view: waiting in the queue, being processed, or both processing and
// dirty (it changed again while a worker held it). Adding an item that is
// already queued is a no-op, adding an item that is being processed marks
// it dirty, and Done re-queues a dirty item. Two workers therefore never hold
// the same item at once, and every Add after the last Get leads to at least
// one more Get.
//
// DelayingType adds AddAfter on top of that, and RateLimitingType adds
// per-item exponential backoff through a RateLimiter.
package workqueue
