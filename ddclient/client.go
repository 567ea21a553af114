package ddclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	userAgent       = "DDSync Client"
	defaultAttempts = 3
	defaultTimeout  = 60 * time.Second
)

type Options struct {
	BaseURL     string
	Username    string
	Password    string
	ServiceUser string

	VerifySSL  bool
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration

	HTTPClient *http.Client
	Logger     *logrus.Logger
	Tracer     trace.Tracer
}

// OptionsFromConfig combines processor credentials with the sync settings.
func OptionsFromConfig(details config.ProcessorDetails, settings config.Settings, logger *logrus.Logger) Options {
	return Options{
		BaseURL:     details.APIURL,
		Username:    details.Username,
		Password:    details.Password,
		ServiceUser: details.ServiceUser,
		VerifySSL:   settings.VerifySSL,
		Attempts:    settings.RetryAttempts,
		RetryDelay:  settings.RetryDelay,
		Logger:      logger,
	}
}

// Client talks to the direct-debit collection service.
type Client struct {
	opts   Options
	http   *http.Client
	logger *logrus.Logger
	tracer trace.Tracer
}

// NewClient fails with config.ErrMissingAPIURL before any call is made when
// the base URL is not configured.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, config.ErrMissingAPIURL
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !opts.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Timeout: opts.Timeout, Transport: transport}
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("ddsync/ddclient")
	}
	return &Client{opts: opts, http: httpClient, logger: logger, tracer: tracer}, nil
}

func (c *Client) ServiceUser() string {
	return c.opts.ServiceUser
}

// BuildURL joins base and path with exactly one slash and appends query
// behind a single leading "?".
func BuildURL(base, path, query string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", config.ErrMissingAPIURL
	}
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if query != "" {
		if !strings.HasPrefix(query, "?") {
			query = "?" + query
		}
		u += query
	}
	return u, nil
}

// EncodeParams URL-encodes params in key order, skipping empty values.
func EncodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}

// Post sends one request and retries transport failures up to Attempts times.
// It never returns an error: an exhausted retry budget yields a failed Response.
func (c *Client) Post(ctx context.Context, path string, query string, body map[string]string, format Format) *Response {
	target, err := BuildURL(c.opts.BaseURL, path, query)
	if err != nil {
		return transportFailure(err)
	}
	ctx, span := c.tracer.Start(ctx, "ddclient.Post", trace.WithAttributes(
		attribute.String("dd.path", path),
		attribute.String("dd.format", string(format)),
	))
	defer span.End()

	payload := EncodeParams(body)

	var lastErr error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		code, respBody, err := c.do(ctx, target, payload)
		if err == nil {
			span.SetAttributes(attribute.Int("http.status_code", code), attribute.Int("dd.attempts", attempt))
			resp := newResponse(code, respBody, format)
			if !resp.Success {
				span.SetStatus(codes.Error, resp.Message)
			}
			if code != http.StatusOK {
				c.logger.WithFields(logrus.Fields{
					"module": "ddclient",
					"path":   path,
					"status": code,
				}).Debug("collection service returned " + resp.Message)
			}
			return resp
		}
		lastErr = err
		remaining := c.opts.Attempts - attempt
		msg := fmt.Sprintf("post %s: %v", path, err)
		if remaining > 0 {
			msg += fmt.Sprintf(". Retrying %d times", remaining)
		}
		c.logger.WithFields(logrus.Fields{
			"module":  "ddclient",
			"path":    path,
			"attempt": attempt,
		}).Warn(msg)
		if remaining > 0 && c.opts.RetryDelay > 0 {
			time.Sleep(c.opts.RetryDelay)
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "transport error")
	return transportFailure(lastErr)
}

func (c *Client) do(ctx context.Context, target string, payload string) (int, []byte, error) {
	var reader io.Reader
	if payload != "" {
		reader = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, reader)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(c.opts.Username, c.opts.Password)
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("User-Agent", userAgent)
	if payload != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}
