package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azureblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureOptions configures an Azure Blob connection with shared-key
// credentials. Buckets map to containers.
type AzureOptions struct {
	AccountName string
	AccountKey  string

	// Endpoint overrides the default https://{account}.blob.core.windows.net
	// service URL (Azurite, sovereign clouds).
	Endpoint string
}

// AzureStore implements Store over Azure Blob Storage.
type AzureStore struct {
	client *azblob.Client
	cred   *azblob.SharedKeyCredential
}

// NewAzure builds an Azure Blob store.
func NewAzure(opts AzureOptions) (*AzureStore, error) {
	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build Azure credential: %w", err)
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", opts.AccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build Azure client: %w", err)
	}
	return &AzureStore{client: client, cred: cred}, nil
}

func (a *AzureStore) PutJSON(ctx context.Context, bucket, key string, value interface{}) (PutResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return PutResult{}, failure(FailPermanent, bucket, key, fmt.Errorf("failed to encode JSON: %w", err))
	}
	return a.PutRaw(ctx, bucket, key, data, "application/json")
}

func (a *AzureStore) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error) {
	_, err := a.client.UploadBuffer(ctx, bucket, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &azureblob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return PutResult{}, mapAzureError(bucket, key, err)
	}
	return PutResult{Size: sizeOf(data), Checksum: Checksum(data)}, nil
}

func (a *AzureStore) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	data, err := a.GetRaw(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure(FailIntegrity, bucket, key, fmt.Errorf("failed to decode JSON: %w", err))
	}
	return nil
}

func (a *AzureStore) GetRaw(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, bucket, key, nil)
	if err != nil {
		return nil, mapAzureError(bucket, key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure(FailTransient, bucket, key, fmt.Errorf("failed to read blob body: %w", err))
	}
	return data, nil
}

func (a *AzureStore) Head(ctx context.Context, bucket, key string) (HeadInfo, error) {
	props, err := a.blobClient(bucket, key).GetProperties(ctx, nil)
	if err != nil {
		mapped := mapAzureError(bucket, key, err)
		if IsNotFound(mapped) {
			return HeadInfo{Exists: false}, nil
		}
		return HeadInfo{}, mapped
	}
	return HeadInfo{Exists: true, Size: props.ContentLength}, nil
}

func (a *AzureStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := a.client.DeleteBlob(ctx, bucket, key, nil)
	if err != nil {
		mapped := mapAzureError(bucket, key, err)
		if IsNotFound(mapped) {
			return nil
		}
		return mapped
	}
	return nil
}

func (a *AzureStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	perms := sas.BlobPermissions{Read: true}
	sasURL, err := a.blobClient(bucket, key).GetSASURL(perms, time.Now().UTC().Add(ttl), nil)
	if err != nil {
		return "", mapAzureError(bucket, key, err)
	}
	return sasURL, nil
}

func (a *AzureStore) List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error) {
	listOpts := &azblob.ListBlobsFlatOptions{Prefix: &prefix}
	if opts.MaxKeys > 0 {
		n := int32(opts.MaxKeys)
		listOpts.MaxResults = &n
	}
	if opts.ContinuationToken != "" {
		listOpts.Marker = &opts.ContinuationToken
	}
	pager := a.client.NewListBlobsFlatPager(bucket, listOpts)
	if !pager.More() {
		return ListResult{}, nil
	}
	page, err := pager.NextPage(ctx)
	if err != nil {
		return ListResult{}, mapAzureError(bucket, prefix, err)
	}
	var out ListResult
	for _, item := range page.Segment.BlobItems {
		entry := ListEntry{}
		if item.Name != nil {
			entry.Key = *item.Name
		}
		if item.Properties != nil && item.Properties.ContentLength != nil {
			entry.Size = *item.Properties.ContentLength
		}
		out.Entries = append(out.Entries, entry)
	}
	if page.NextMarker != nil && *page.NextMarker != "" {
		out.NextToken = *page.NextMarker
		out.Truncated = true
	}
	return out, nil
}

func (a *AzureStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	srcURL, err := a.PresignGet(ctx, srcBucket, srcKey, 10*time.Minute)
	if err != nil {
		return err
	}
	_, err = a.blobClient(dstBucket, dstKey).StartCopyFromURL(ctx, srcURL, nil)
	if err != nil {
		return mapAzureError(srcBucket, srcKey, err)
	}
	return nil
}

func (a *AzureStore) blobClient(bucket, key string) *blockblob.Client {
	return a.client.ServiceClient().NewContainerClient(bucket).NewBlockBlobClient(key)
}

// mapAzureError folds SDK errors into the blob failure taxonomy.
func mapAzureError(bucket, key string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return failure(FailNotFound, bucket, key, err)
	}
	if bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions) {
		return failure(FailPermissionDenied, bucket, key, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode >= 500 || respErr.StatusCode == 429 {
			return failure(FailTransient, bucket, key, err)
		}
		return failure(FailPermanent, bucket, key, err)
	}
	return failure(FailTransient, bucket, key, err)
}
