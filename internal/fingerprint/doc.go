// Package fingerprint computes content identities for media files.
//
// Files at or below a threshold are hashed in full with SHA-256; larger files
// hash a tagged prefix window, the decimal size and a suffix window so cost
// stays bounded. Only bytes and size feed the digest, so identical content
// under different names, paths or timestamps always shares a fingerprint.
package fingerprint
