package scanner

import "time"

// FileInfo describes one indexable source file found during a walk.
type FileInfo struct {
	Path     string    // relative to the project root, slash-separated
	AbsPath  string    // absolute path on disk
	Language string    // from the extension map (go, typescript, ...)
	Size     int64     // file size in bytes
	ModTime  time.Time // last modification time
}

// Result is one item on the scan stream. Exactly one of File or Err
// is set. Errors are per-entry; the walk keeps going after them.
type Result struct {
	File *FileInfo
	Err  error
}

// MaxFileSize caps what the scanner will hand to the indexer. Larger
// files are skipped rather than reported as errors.
const MaxFileSize = 10 * 1024 * 1024

// binarySniffLen is how many leading bytes are examined for NUL bytes
// when deciding whether a file is binary.
const binarySniffLen = 8 * 1024
