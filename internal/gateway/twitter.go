// Package gateway is the stateless delivery adapter for the Twitter API:
// it validates content, resolves media, submits the post, and classifies
// every non-success response into exactly one typed, retryability-aware
// failure.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"tweet-scheduler/internal/config"
	"tweet-scheduler/internal/models"
)

// maxTweetLength is the platform's content cap, enforced before any
// network call.
const maxTweetLength = 280

// Credentials is the resolved per-user credential pair the worker passes
// in; the app-level consumer pair lives on the Gateway.
type Credentials struct {
	AccessToken  string
	AccessSecret string
}

// PostResult is the platform's identification of a delivered post.
type PostResult struct {
	TweetID  string
	TweetURL string
}

// Gateway posts content to Twitter. It is stateless and safe for
// concurrent use by the whole worker pool.
type Gateway struct {
	signer        oauth1Signer
	apiBase       string
	uploadBase    string
	httpClient    *http.Client
	s3            *s3.Client
	mediaMaxBytes int64
	logger        *zap.Logger
}

// New builds the gateway from config. The request timeout bounds the
// longest suspension point in the pipeline so a hung platform call cannot
// pin a worker slot indefinitely.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Gateway, error) {
	timeout := cfg.TwitterTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	mediaMax := cfg.MediaMaxBytes
	if mediaMax <= 0 {
		mediaMax = 5 * 1024 * 1024
	}

	s3Client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		signer: oauth1Signer{
			consumerKey:    cfg.TwitterConsumerKey,
			consumerSecret: cfg.TwitterConsumerSecret,
		},
		apiBase:       strings.TrimRight(cfg.TwitterAPIBaseURL, "/"),
		uploadBase:    strings.TrimRight(cfg.TwitterUploadBaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		s3:            s3Client,
		mediaMaxBytes: mediaMax,
		logger:        logger,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3Endpoint != ""
	}), nil
}

type tweetRequest struct {
	Text  string          `json:"text"`
	Media *tweetMediaBody `json:"media,omitempty"`
}

type tweetMediaBody struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// PostTweet validates, uploads media best-effort, and submits one tweet.
// Every failure path returns a *DeliveryError.
func (g *Gateway) PostTweet(ctx context.Context, creds Credentials, text string, mediaURLs []string) (PostResult, error) {
	if g.signer.consumerKey == "" || g.signer.consumerSecret == "" {
		return PostResult{}, newDeliveryError(models.ErrCodeConfigMissing,
			"twitter consumer credentials are not configured", false)
	}
	if n := utf8.RuneCountInString(text); n > maxTweetLength {
		return PostResult{}, newDeliveryError(models.ErrCodeContentTooLong,
			fmt.Sprintf("content is %d characters, limit is %d", n, maxTweetLength), false)
	}

	mediaIDs := g.uploadMedia(ctx, creds, mediaURLs)

	payload := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &tweetMediaBody{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return PostResult{}, newDeliveryError(models.ErrCodeUnknown,
			fmt.Sprintf("marshal tweet body: %v", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBase+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return PostResult{}, newDeliveryError(models.ErrCodeUnknown,
			fmt.Sprintf("build tweet request: %v", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	g.signer.sign(req, creds.AccessToken, creds.AccessSecret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Connection refused, timeout, DNS failure: worth another try later.
		return PostResult{}, newDeliveryError(models.ErrCodeNetworkError, err.Error(), true)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		return PostResult{}, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed tweetResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.Data.ID == "" {
		return PostResult{}, newDeliveryError(models.ErrCodeUnknownTwitter,
			fmt.Sprintf("unexpected response body: %s", truncate(string(respBody), 200)), false)
	}

	return PostResult{
		TweetID:  parsed.Data.ID,
		TweetURL: fmt.Sprintf("https://twitter.com/i/web/status/%s", parsed.Data.ID),
	}, nil
}

// classifyStatus maps a non-success platform response to the failure
// taxonomy. Unrecognized statuses fail closed as non-retryable.
func classifyStatus(status int, body []byte) *DeliveryError {
	detail := platformErrorDetail(body)

	switch {
	case status == http.StatusTooManyRequests:
		return newDeliveryError(models.ErrCodeRateLimited, detailOr(detail, "rate limit exceeded"), true)
	case status == http.StatusUnauthorized:
		return newDeliveryError(models.ErrCodeAuthInvalid, detailOr(detail, "authentication rejected"), false)
	case status == http.StatusForbidden:
		lower := strings.ToLower(detail)
		switch {
		case strings.Contains(lower, "suspend"):
			return newDeliveryError(models.ErrCodeAccountSuspended, detail, false)
		case strings.Contains(lower, "duplicate"):
			return newDeliveryError(models.ErrCodeDuplicateTweet, detail, false)
		default:
			return newDeliveryError(models.ErrCodeForbidden, detailOr(detail, "request forbidden"), false)
		}
	case status >= 500:
		return newDeliveryError(models.ErrCodeServerError,
			detailOr(detail, fmt.Sprintf("platform returned %d", status)), true)
	default:
		return newDeliveryError(models.ErrCodeUnknownTwitter,
			fmt.Sprintf("status %d: %s", status, detailOr(detail, "unrecognized error")), false)
	}
}

// platformErrorDetail pulls a human-readable message out of either the v2
// ({"title","detail"}) or v1.1 ({"errors":[{"code","message"}]}) error shape.
func platformErrorDetail(body []byte) string {
	var v2 struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &v2); err == nil && v2.Detail != "" {
		return v2.Detail
	}

	var v1 struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &v1); err == nil && len(v1.Errors) > 0 {
		return v1.Errors[0].Message
	}
	return truncate(string(body), 200)
}

func detailOr(detail, fallback string) string {
	if strings.TrimSpace(detail) == "" {
		return fallback
	}
	return detail
}
