// Package dedup finds byte-identical files across the media tree and moves
// all but one copy of each into a quarantine area.
//
// Analyze groups files by content fingerprint and reports reclaimable bytes.
// Clean keeps exactly one file per group, chosen by a total preference order,
// and relocates the others under <quarantine>/<fingerprint prefix>/, renaming
// on collision. Nothing is ever deleted; emptying the quarantine is left to
// the operator.
package dedup
