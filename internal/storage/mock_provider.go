package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call. The reader is drained so expectations can match
// on the payload as a string.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	args := m.Called(ctx, path, contentType, string(data))
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
