// Package jsdo mirrors the tables of a remote data service into a
// change-tracked in-memory working copy and synchronizes edits back.
//
// Each Table keeps its rows in position order with a synthetic id per row.
// Every mutation records a before-image so pending creates, updates and
// deletes can be sent, accepted or undone. SaveChanges sends the pending
// changes either row by row, deletes with children before parents and
// creates and updates with parents before children, or as a single
// dataset-shaped change-set. Responses are merged back: server-assigned ids
// replace synthetic ids, and rejected rows are either undone or annotated
// with the server error.
//
// Wire payloads look like:
//
//	{"dsOrder": {
//	  "prods:hasChanges": true,
//	  "ttOrder": [{"OrderNum": 1, "prods:rowState": "modified", "prods:clientId": "1", "prods:id": "1"}],
//	  "prods:before": {"ttOrder": [{"OrderNum": 1, "prods:rowState": "modified", "prods:clientId": "1", "prods:id": "1"}]},
//	  "prods:errors": {"ttOrder": [{"prods:id": "1", "prods:error": "REJECTED"}]}
//	}}
package jsdo
