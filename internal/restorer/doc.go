// Package restorer contains code to restore data from a repository.
//
// The Restorer tries to keep the number of backend requests minimal. It does
// this by downloading all required blobs of a pack file with a single backend
// request and avoiding repeated downloads of the same pack. In addition,
// several pack files are fetched concurrently.
//
// A restore runs in three passes over the snapshot tree:
//
//	create directories, symlinks and special files, collect regular files
//	download all packs referenced by the collected files, write the blobs
//	create hardlinks, restore metadata of all items, directories last
//
// Target files are written in any order, blobs are written to their final
// offset directly. Directory metadata is restored after all children, so that
// timestamps are not modified by writing the directory contents.
package restorer
