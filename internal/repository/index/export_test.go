package index

// SetMaxBlobsForTest sets the number of blobs after which an index is
// considered full and returns a function restoring the old value.
func SetMaxBlobsForTest(n uint) func() {
	old := indexMaxBlobs
	indexMaxBlobs = n
	return func() { indexMaxBlobs = old }
}
