package s3

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"

	"bulksync/internal/fs"
)

func TestKeyMapping(t *testing.T) {
	assert.Equal(t, "backup/a.zst", objectKey("/backup/a.zst"))
	assert.Equal(t, "", objectKey("/"))
	assert.Equal(t, "/backup/dir/", remoteKey("backup/dir/"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", &types.NoSuchKey{}, fs.ErrNotFound},
		{"head not found", &types.NotFound{}, fs.ErrNotFound},
		{"precondition code", &smithy.GenericAPIError{Code: "PreconditionFailed"}, fs.ErrPreconditionFailed},
		{"wrapped code", fmt.Errorf("upload: %w", &smithy.GenericAPIError{Code: "NotFound"}), fs.ErrNotFound},
		{"http 412", &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusPreconditionFailed}},
			Err:      errors.New("boom"),
		}, fs.ErrPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}

	other := errors.New("network down")
	assert.Equal(t, other, mapError(other))
	assert.NoError(t, mapError(nil))
}
