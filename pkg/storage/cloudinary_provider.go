package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/go-resty/resty/v2"
)

const CloudinaryProviderName = "cloudinary"

// cloudinaryMaxFileSize mirrors the service's upload cap for direct
// uploads.
const cloudinaryMaxFileSize = 100 * 1024 * 1024

type CloudinaryConfig struct {
	BaseURL   string
	CloudName string
	APIKey    string
	APISecret string

	// Timeout bounds every remote call. A hanging provider call is
	// treated as a failure and left to the queue's backoff.
	Timeout time.Duration
}

// CloudinaryProvider stores images and video on a Cloudinary-compatible
// media API and supports URL-based transforms.
type CloudinaryProvider struct {
	c         *resty.Client
	cloudName string
	apiKey    string
	apiSecret string
}

func NewCloudinaryProvider(cfg CloudinaryConfig) *CloudinaryProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0)

	return &CloudinaryProvider{
		c:         c,
		cloudName: cfg.CloudName,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
	}
}

func (p *CloudinaryProvider) Name() string {
	return CloudinaryProviderName
}

func (p *CloudinaryProvider) SupportedTypes() []string {
	return []string{ffmodel.TypeCategoryImage, ffmodel.TypeCategoryVideo}
}

func (p *CloudinaryProvider) MaxFileSize() int64 {
	return cloudinaryMaxFileSize
}

// uploadResponse is the JSON the media API responds with on a successful
// upload.
type uploadResponse struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Bytes     int64  `json:"bytes"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// errorResponse describes the JSON the media API responds with when a call
// fails.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *CloudinaryProvider) Upload(ctx context.Context, data []byte, params UploadParams) (*UploadResult, error) {
	const op = "storage.CloudinaryProvider.Upload"

	access := "authenticated"
	if params.IsPublic {
		access = "public"
	}

	req := p.c.R().
		SetContext(ctx).
		SetFileReader("file", params.Filename, bytes.NewReader(data)).
		SetFormData(map[string]string{
			"api_key":     p.apiKey,
			"access_mode": access,
			"public_id":   publicIDFor(params.Folder, params.Filename),
			"timestamp":   fmt.Sprintf("%d", time.Now().Unix()),
		})

	for k, v := range params.Metadata {
		req.SetFormData(map[string]string{"context[" + k + "]": v})
	}

	resp, err := req.Post(fmt.Sprintf("/v1_1/%s/auto/upload", p.cloudName))
	if err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	if resp.IsError() {
		return nil, toProviderError(op, resp)
	}

	var body uploadResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	result := &UploadResult{
		URL:      body.SecureURL,
		ObjectID: body.PublicID,
		Size:     body.Bytes,
		Format:   body.Format,
		Metadata: map[string]string{},
	}

	if body.Width > 0 {
		result.Metadata["width"] = fmt.Sprintf("%d", body.Width)
		result.Metadata["height"] = fmt.Sprintf("%d", body.Height)
	}

	return result, nil
}

// Process builds the derived asset by inserting a transformation segment
// into the delivery URL and materializes it with a GET so the first real
// consumer doesn't pay the derivation cost.
func (p *CloudinaryProvider) Process(ctx context.Context, existingURL string, transform Transform) (*ProcessResult, error) {
	const op = "storage.CloudinaryProvider.Process"

	derivedURL := insertTransformSegment(existingURL, transformSegment(transform))

	resp, err := p.c.R().SetContext(ctx).Get(derivedURL)
	if err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	if resp.IsError() {
		return nil, toProviderError(op, resp)
	}

	return &ProcessResult{
		URL:         derivedURL,
		Width:       transform.Width,
		Height:      transform.Height,
		Size:        int64(len(resp.Body())),
		Format:      transform.Format,
		ProcessedBy: p.Name(),
	}, nil
}

func (p *CloudinaryProvider) Delete(ctx context.Context, objectID string, force bool) (bool, error) {
	const op = "storage.CloudinaryProvider.Delete"

	resp, err := p.c.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"api_key":   p.apiKey,
			"public_id": objectID,
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		}).
		Post(fmt.Sprintf("/v1_1/%s/auto/destroy", p.cloudName))

	switch {
	case err != nil && force:
		return true, nil
	case err != nil:
		return false, fferr.E(fferr.ProviderFailure, op, err)
	case resp.IsError() && force:
		return true, nil
	case resp.IsError():
		return false, toProviderError(op, resp)
	default:
		return true, nil
	}
}

func (p *CloudinaryProvider) GetInfo(ctx context.Context, objectID string) (map[string]string, error) {
	const op = "storage.CloudinaryProvider.GetInfo"

	resp, err := p.c.R().
		SetContext(ctx).
		SetQueryParam("api_key", p.apiKey).
		Get(fmt.Sprintf("/v1_1/%s/resources/%s", p.cloudName, objectID))
	if err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	if resp.IsError() {
		return nil, toProviderError(op, resp)
	}

	var info map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	flattened := make(map[string]string, len(info))
	for k, v := range info {
		flattened[k] = fmt.Sprintf("%v", v)
	}

	return flattened, nil
}

// SignedURL produces a time-limited delivery URL: the expiry is appended
// and the whole path signed with the API secret.
func (p *CloudinaryProvider) SignedURL(_ context.Context, objectID string, ttl time.Duration) (string, error) {
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s:%d", objectID, expires)

	mac := hmac.New(sha256.New, []byte(p.apiSecret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("%s/v1_1/%s/private/%s?expires=%d&signature=%s",
		p.c.BaseURL, p.cloudName, objectID, expires, signature), nil
}

func publicIDFor(folder, filename string) string {
	name := filename
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}

	if folder == "" {
		return name
	}

	return folder + "/" + name
}

func transformSegment(t Transform) string {
	parts := []string{}
	if t.Width > 0 {
		parts = append(parts, fmt.Sprintf("w_%d", t.Width))
	}
	if t.Height > 0 {
		parts = append(parts, fmt.Sprintf("h_%d", t.Height))
	}
	if t.Width > 0 && t.Height > 0 {
		parts = append(parts, "c_fill")
	}
	if t.Quality > 0 {
		parts = append(parts, fmt.Sprintf("q_%d", t.Quality))
	}
	if t.Format != "" {
		parts = append(parts, "f_"+t.Format)
	}

	return strings.Join(parts, ",")
}

// insertTransformSegment splices the transformation into the delivery URL
// directly after the upload path component.
func insertTransformSegment(url, segment string) string {
	if segment == "" {
		return url
	}

	marker := "/upload/"
	if i := strings.Index(url, marker); i != -1 {
		return url[:i+len(marker)] + segment + "/" + url[i+len(marker):]
	}

	return url + "?t=" + segment
}

func toProviderError(op string, resp *resty.Response) error {
	var body errorResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.Error.Message == "" {
		return fferr.Errorf(fferr.ProviderFailure, op, "HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	return fferr.Errorf(fferr.ProviderFailure, op, "HTTP %d: %s", resp.StatusCode(), body.Error.Message)
}
