package s3

import (
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/options"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestErrorClassification(t *testing.T) {
	be := &Backend{}

	notFound := errors.Wrap(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, "StatObject")
	rtest.Assert(t, be.IsNotExist(notFound), "NoSuchKey not detected")
	rtest.Assert(t, be.IsPermanentError(notFound), "NoSuchKey not permanent")

	exists := minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}
	rtest.Equals(t, "PreconditionFailed", errorCode(exists))
	rtest.Assert(t, be.IsPermanentError(exists), "failed precondition not permanent")

	busy := minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}
	rtest.Assert(t, !be.IsPermanentError(busy), "SlowDown must be retried")
	rtest.Assert(t, !be.IsNotExist(errors.New("connection reset")), "plain error reported as missing")
	rtest.Equals(t, "", errorCode(nil))
}

func TestBucketLookup(t *testing.T) {
	for style, want := range map[string]minio.BucketLookupType{
		"":     minio.BucketLookupAuto,
		"auto": minio.BucketLookupAuto,
		"DNS":  minio.BucketLookupDNS,
		"path": minio.BucketLookupPath,
	} {
		got, err := bucketLookup(style)
		rtest.OK(t, err)
		rtest.Equals(t, want, got)
	}

	_, err := bucketLookup("virtual")
	rtest.Assert(t, err != nil, "unknown lookup style accepted")
}

func TestCheckKeys(t *testing.T) {
	rtest.OK(t, checkKeys(Config{}))
	rtest.OK(t, checkKeys(Config{KeyID: "id", Secret: options.NewSecretString("secret")}))

	err := checkKeys(Config{Secret: options.NewSecretString("secret")})
	rtest.Assert(t, errors.IsFatal(err), "missing key id: %v", err)
	err = checkKeys(Config{KeyID: "id"})
	rtest.Assert(t, errors.IsFatal(err), "missing secret: %v", err)
}
