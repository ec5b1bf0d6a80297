// Package store is the durable cache of the relay client, backed by Pebble.
//
// Keys:
//
//	ev/<id>                              event record (event + write time)
//	ix/<index>/<value>/<sortkey>/<id>    secondary index entry, empty value
//	pr/<pubkey>                          cached profile
//	px/cached/<cached_at>/<pubkey>       profile expiry index
//	ss/<sub_id>                          subscription resumption state
//	us/<key>                             opaque user state
//
// A record and all of its index keys are written and deleted in one batch,
// so readers never observe a partially stored or partially evicted record.
//
// Events expire by write time in two classes: ordinary events after
// EventTTL and addressable events after AddressableTTL. RunEviction sweeps
// both classes and the profile tier, then deletes the oldest records until
// the count is within MaxRecords. An Evictor drives RunEviction once at
// start and then on a cron schedule.
package store
