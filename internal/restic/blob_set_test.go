package restic

import (
	"regexp"
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

func TestBlobSetString(t *testing.T) {
	s := NewBlobSet()

	rtest.Equals(t, "{}", s.String())

	id, _ := ParseID(
		"1111111111111111111111111111111111111111111111111111111111111111")
	s.Insert(BlobHandle{ID: id, Type: TreeBlob})
	rtest.Equals(t, "{<tree/11111111>}", s.String())

	var h BlobHandles
	for i := 0; i < 100; i++ {
		h = append(h, BlobHandle{ID: NewRandomID(), Type: DataBlob})
	}
	s = NewBlobSet(h...)
	r := regexp.MustCompile(
		`^{(?:<data/[0-9a-f]{8}> ){99}<data/[0-9a-f]{8}>}$`)
	rtest.Assert(t, r.MatchString(s.String()), "%q", s.String())
}

func TestBlobSetOps(t *testing.T) {
	id := NewRandomID()
	data := BlobHandle{ID: id, Type: DataBlob}
	tree := BlobHandle{ID: id, Type: TreeBlob}

	s := NewBlobSet(data)
	rtest.Assert(t, s.Has(data), "data handle missing")
	rtest.Assert(t, !s.Has(tree), "same ID with a different type must not match")

	other := NewBlobSet(tree)
	s.Merge(other)
	rtest.Equals(t, 2, s.Len())
	rtest.Assert(t, s.Sub(other).Equals(NewBlobSet(data)), "wrong difference")
	rtest.Assert(t, s.Intersect(other).Equals(other), "wrong intersection")

	s.Delete(data)
	rtest.Assert(t, s.Equals(other), "delete failed")
}

func TestBlobTypeJSON(t *testing.T) {
	for _, tpe := range []BlobType{DataBlob, TreeBlob} {
		buf, err := tpe.MarshalJSON()
		rtest.OK(t, err)

		var tpe2 BlobType
		rtest.OK(t, tpe2.UnmarshalJSON(buf))
		rtest.Equals(t, tpe, tpe2)
	}

	_, err := InvalidBlob.MarshalJSON()
	rtest.Assert(t, err != nil, "marshalling an invalid blob type should fail")
}
