// Package preflight provides readiness checks for the filesystem paths, free
// disk space and speech-to-text endpoint voxmerge depends on.
//
// These checks run in two contexts:
//   - The process command calls RunAll before converting anything. If a
//     check fails, the run stops before spending encoder time on a doomed
//     batch.
//   - The CLI "voxmerge doctor" command prints every result alongside the
//     binary checks from package deps.
//
// Checks for disabled features are skipped.
package preflight
