package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// maxMediaPerTweet is the platform's per-post attachment limit; extra URLs
// are silently dropped.
const maxMediaPerTweet = 4

const minDownscaleWidth = 64

// uploadMedia resolves media URLs into platform media ids. A single item's
// download or upload failure is logged and skipped, never aborting the
// post: the tweet goes out with whatever media succeeded.
func (g *Gateway) uploadMedia(ctx context.Context, creds Credentials, urls []string) []string {
	if len(urls) > maxMediaPerTweet {
		urls = urls[:maxMediaPerTweet]
	}

	var ids []string
	for _, mediaURL := range urls {
		data, err := g.fetchMedia(ctx, mediaURL)
		if err != nil {
			g.logger.Warn("skipping media item: fetch failed",
				zap.String("media_url", mediaURL), zap.Error(err))
			continue
		}
		if int64(len(data)) > g.mediaMaxBytes {
			data, err = downscaleImage(data, g.mediaMaxBytes)
			if err != nil {
				g.logger.Warn("skipping media item: over size cap and not downscalable",
					zap.String("media_url", mediaURL), zap.Error(err))
				continue
			}
		}
		id, err := g.uploadToPlatform(ctx, creds, data)
		if err != nil {
			g.logger.Warn("skipping media item: upload failed",
				zap.String("media_url", mediaURL), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// fetchMedia loads media bytes from an s3:// or http(s):// URL, capped at
// the configured byte limit plus downscale headroom.
func (g *Gateway) fetchMedia(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse media url: %w", err)
	}
	if u.Scheme == "s3" {
		return g.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	}
	return g.fetchHTTP(ctx, rawURL)
}

func (g *Gateway) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	return g.readCapped(resp.Body)
}

func (g *Gateway) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if g.s3 == nil {
		return nil, fmt.Errorf("s3 media url but no s3 client configured")
	}
	out, err := g.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()
	return g.readCapped(out.Body)
}

// readCapped reads at most 4x the platform media cap, leaving headroom for
// images the downscaler can bring under the limit.
func (g *Gateway) readCapped(r io.Reader) ([]byte, error) {
	limit := g.mediaMaxBytes * 4
	limited := io.LimitReader(r, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("media too large (>%d bytes)", limit)
	}
	return body, nil
}

// downscaleImage re-encodes an oversized image as JPEG, halving its width
// until it fits under maxBytes. Non-image payloads fail here and the item
// is skipped by the caller.
func downscaleImage(data []byte, maxBytes int64) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	width := img.Bounds().Dx()
	for width >= minDownscaleWidth {
		resized := imaging.Resize(img, width, 0, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("encode image: %w", err)
		}
		if int64(buf.Len()) <= maxBytes {
			return buf.Bytes(), nil
		}
		width /= 2
	}
	return nil, fmt.Errorf("image does not fit under %d bytes", maxBytes)
}

type mediaUploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// uploadToPlatform pushes media bytes to the platform's media endpoint and
// returns the media id to attach to the tweet.
func (g *Gateway) uploadToPlatform(ctx context.Context, creds Credentials, data []byte) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("media", "media")
	if err != nil {
		return "", fmt.Errorf("multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("multipart write: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("multipart close: %w", err)
	}

	endpoint := g.uploadBase + "/1.1/media/upload.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	g.signer.sign(req, creds.AccessToken, creds.AccessSecret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("upload media: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed mediaUploadResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.MediaIDString == "" {
		return "", fmt.Errorf("upload media: unexpected response: %s", truncate(string(respBody), 200))
	}
	return parsed.MediaIDString, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
