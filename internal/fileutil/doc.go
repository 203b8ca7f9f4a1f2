// Package fileutil holds the filesystem primitives the pipelines rely on:
// atomic writes, verified copies and moves that refuse to overwrite.
package fileutil
