// Package medianame encodes the naming conventions that link message
// references to media files: embedded identifiers, direction tags and the
// deterministic names of converted artifacts.
//
// References are hints, not keys. Everything here is tolerant of missing
// identifiers, odd casing and decomposed Unicode in exported names.
package medianame
