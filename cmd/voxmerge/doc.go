// Command voxmerge converts and transcribes chat-archive voice messages once
// per distinct payload and fuses the transcripts back into the message
// stream.
//
// Subcommands:
//
//	process          scan the media root, convert and transcribe
//	fuse             rewrite [AUDIO] markers in a message file
//	dupes report     list byte-identical media files
//	dupes clean      quarantine redundant copies (never deletes)
//	registry ...     inspect or edit the unified registry
//	runs, failures   browse the run journal
//	config ...       create, validate or print the configuration
//	doctor           check binaries, directories, disk space and the API
package main
