package azure

import (
	"net/http"
	"testing"

	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

func TestClassify(t *testing.T) {
	be := &Backend{}

	missing := classify(&azcore.ResponseError{ErrorCode: string(bloberror.BlobNotFound), StatusCode: http.StatusNotFound})
	rtest.Assert(t, errors.IsNotFound(missing), "missing blob has wrong kind: %v", missing)
	rtest.Assert(t, be.IsNotExist(missing), "classified error no longer recognized as missing blob")
	rtest.Assert(t, be.IsPermanentError(missing), "missing blob must be permanent")

	busy := classify(&azcore.ResponseError{ErrorCode: "ServerBusy", StatusCode: http.StatusServiceUnavailable})
	rtest.Assert(t, errors.Is(busy, errors.ErrBackendTransient), "busy server is not transient: %v", busy)
	rtest.Assert(t, !be.IsPermanentError(busy), "busy server must not be permanent")

	denied := classify(&azcore.ResponseError{ErrorCode: "AuthorizationFailure", StatusCode: http.StatusForbidden})
	rtest.Assert(t, !errors.Is(denied, errors.ErrBackendTransient), "authorization failure marked transient")
	rtest.Assert(t, be.IsPermanentError(denied), "authorization failure must be permanent")

	rtest.Assert(t, classify(nil) == nil, "nil error classified")
}
