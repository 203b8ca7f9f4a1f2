// Package fusion re-attaches transcripts to the message stream.
//
// Messages point at their audio with free-form textual references: the
// original file name, a converted name, or a bare identifier. An Index built
// read-only from the registry (and any legacy per-contact mapping documents)
// answers lookups by identifier, by name and by contact. An ordered list of
// named Matchers is tried for every reference and the first hit wins; when
// none matches, the marker becomes the explicit not-transcribed form and the
// reference is counted as ambiguous. Message text outside markers is never
// altered.
package fusion
