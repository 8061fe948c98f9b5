// Package httpstore is a contentstore.Store client for a remote
// contentstore.Handler.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/envelope"
)

// ErrRejected reports a request the store considered malformed.
var ErrRejected = errors.New("httpstore: request rejected")

// DefaultTimeout bounds one request when Config.HTTPClient is nil.
const DefaultTimeout = 30 * time.Second

type Config struct {
	// BaseURL is where the Handler is mounted, e.g. http://host:8080/store.
	BaseURL string
	// Signer pays for uploads. Downloads need no signer.
	Signer     challenge.Signer
	HTTPClient *http.Client
}

type Client struct {
	base   *url.URL
	signer challenge.Signer
	http   *http.Client
}

func New(conf Config) (*Client, error) { // A
	base, err := url.Parse(strings.TrimRight(conf.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: need http or https", conf.BaseURL)
	}
	hc := conf.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: base, signer: conf.Signer, http: hc}, nil
}

func (c *Client) URL(id contentstore.ContentID) string { // A
	return c.base.JoinPath(id.String()).String()
}

// Upload signs the upload with the configured signer and posts it.
func (c *Client) Upload( // A
	ctx context.Context,
	env envelope.EncryptedEnvelope,
	tags ...contentstore.Tag,
) (contentstore.ContentID, error) {
	if c.signer == nil {
		return "", fmt.Errorf("%w: no signer configured", contentstore.ErrUnauthorized)
	}
	body, err := env.Marshal()
	if err != nil {
		return "", err
	}
	tags, err = contentstore.NormalizeTags(tags)
	if err != nil {
		return "", err
	}
	id, err := contentstore.NewContentID(body)
	if err != nil {
		return "", err
	}
	addr, err := c.signer.Address(ctx)
	if err != nil {
		return "", &challenge.SigningError{Err: err}
	}
	sig, err := c.signer.SignMessage(ctx, contentstore.UploadMessage(id))
	if err != nil {
		return "", &challenge.SigningError{Address: addr.Hex(), Err: err}
	}
	tagHeader, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.base.JoinPath("upload").String(), bytes.NewReader(body),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", envelope.ContentType)
	req.Header.Set(contentstore.HeaderUploader, addr.Hex())
	req.Header.Set(contentstore.HeaderSignature, hexutil.Encode(sig))
	req.Header.Set(contentstore.HeaderTags, string(tagHeader))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", contentstore.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: upload response: %w", contentstore.ErrUnavailable, err)
	}
	if out.ID != id.String() {
		return "", fmt.Errorf(
			"%w: store returned id %s, content hashes to %s",
			contentstore.ErrCorruptRecord, out.ID, id,
		)
	}
	return id, nil
}

// Download fetches id and verifies the bytes hash to it.
func (c *Client) Download( // A
	ctx context.Context,
	id contentstore.ContentID,
) (contentstore.ContentRecord, error) {
	if _, err := contentstore.ParseContentID(id.String()); err != nil {
		return contentstore.ContentRecord{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(id), nil)
	if err != nil {
		return contentstore.ContentRecord{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return contentstore.ContentRecord{}, fmt.Errorf("%w: %w", contentstore.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return contentstore.ContentRecord{}, statusError(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, contentstore.MaxUploadSize+1))
	if err != nil {
		return contentstore.ContentRecord{}, fmt.Errorf("%w: %w", contentstore.ErrUnavailable, err)
	}
	var tags []contentstore.Tag
	if h := resp.Header.Get(contentstore.HeaderTags); h != "" {
		if err := json.Unmarshal([]byte(h), &tags); err != nil {
			return contentstore.ContentRecord{}, fmt.Errorf("%w: tags: %w", contentstore.ErrCorruptRecord, err)
		}
	}
	if _, ok := contentstore.ContentType(tags); !ok {
		tags = append(tags, contentstore.Tag{
			Name:  contentstore.ContentTypeTag,
			Value: resp.Header.Get("Content-Type"),
		})
	}
	return contentstore.DecodeRecord(id, raw, tags)
}

func statusError(resp *http.Response) error { // A
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(msg))
	var sentinel error
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		sentinel = contentstore.ErrInsufficientFunds
	case resp.StatusCode == http.StatusNotFound:
		sentinel = contentstore.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		sentinel = contentstore.ErrUnauthorized
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		sentinel = contentstore.ErrTooLarge
	case resp.StatusCode == http.StatusBadRequest:
		sentinel = ErrRejected
	default:
		sentinel = contentstore.ErrUnavailable
	}
	return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, detail)
}
