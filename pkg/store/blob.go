package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// BlobStore is a Store backed by an Azure Blob container, for deployments
// where units do not share a local volume. Block blob uploads replace the
// blob in a single PUT, which gives the same atomic-replace visibility as
// the filesystem store's rename.
type BlobStore struct {
	client        *azblob.Client
	containerName string
	logger        *zap.Logger
	containerInit bool
}

// NewBlobStore creates a blob-backed store from a standard Azure connection
// string. Plain-HTTP endpoints are allowed so local Azurite instances work.
func NewBlobStore(connectionString, containerName string, logger *zap.Logger) (*BlobStore, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobStore{
		client:        client,
		containerName: containerName,
		logger:        logger,
	}, nil
}

// ReadFile downloads the artifact at path.
func (s *BlobStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.containerName, path, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to download artifact %q: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %q: %w", path, err)
	}
	return data, nil
}

// WriteFileAtomic uploads data over the blob at path.
func (s *BlobStore) WriteFileAtomic(ctx context.Context, path string, data []byte) error {
	if err := s.ensureContainer(ctx); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrWriteFailed, err)
	}

	_, err := s.client.UploadBuffer(ctx, s.containerName, path, data, nil)
	if err != nil {
		s.logger.Error("Failed to upload artifact",
			zap.String("path", path),
			zap.Int("size_bytes", len(data)),
			zap.Error(err))
		return fmt.Errorf("%w: uploading %q: %v", errors.ErrWriteFailed, path, err)
	}

	s.logger.Debug("Replaced artifact",
		zap.String("path", path),
		zap.Int("size_bytes", len(data)))

	return nil
}

// Exists reports whether a blob is present at path. A properties request is
// used so the check never transfers the blob content.
func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	blobClient := s.client.ServiceClient().
		NewContainerClient(s.containerName).
		NewBlobClient(path)

	_, err := blobClient.GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat artifact %q: %w", path, err)
}

func (s *BlobStore) ensureContainer(ctx context.Context) error {
	if s.containerInit {
		return nil
	}

	_, err := s.client.CreateContainer(ctx, s.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if stderrors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			s.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	s.containerInit = true
	return nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
