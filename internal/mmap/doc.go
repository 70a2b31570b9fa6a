// Package mmap maps immutable segment and index files read-only into memory.
//
// Unix builds use mmap(2); Windows uses CreateFileMapping/MapViewOfFile.
// Callers must not touch Bytes after Close.
package mmap
