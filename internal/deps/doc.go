// Package deps checks that the external executables voxmerge shells out to
// are installed.
package deps
