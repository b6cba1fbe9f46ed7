// Package mongostore stores outbox messages in MongoDB.
//
// It provides a lease based distributed [Locker], a lock-gated [Fetcher] for polling sources,
// a change stream backed [PushStore] for push sources and a transactional [Writer].
//
// Message documents look like:
//
//	{
//	  "_id": ObjectId("..."),
//	  "target": "orders",
//	  "type": "OrderCreated",
//	  "payload": BinData(0, "..."),
//	  "observabilityContext": BinData(0, "..."),
//	  "createdAt": ISODate("...")
//	}
//
// Lease documents hold the owner and the expiry in unix milliseconds:
//
//	{ "_id": "outbox_lock", "owner": "host-1-6f1c...", "expiresAt": NumberLong(1700000000000) }
package mongostore
