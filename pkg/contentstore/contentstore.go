// Package contentstore persists encrypted envelopes in an append-only,
// content-addressed store and fetches them back by content ID.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/i5heu/ouroboros-seal/pkg/envelope"
)

// ContentTypeTag is the tag name carrying the stored media type.
const ContentTypeTag = "Content-Type"

var (
	ErrInsufficientFunds  = errors.New("contentstore: insufficient funds")
	ErrNotFound           = errors.New("contentstore: not found")
	ErrCorruptRecord      = errors.New("contentstore: corrupt record")
	ErrUnavailable        = errors.New("contentstore: unavailable")
	ErrInvalidID          = errors.New("contentstore: invalid content id")
	ErrMissingContentType = errors.New("contentstore: missing content type")
	ErrUnauthorized       = errors.New("contentstore: uploader not authenticated")
	ErrTooLarge           = errors.New("contentstore: upload exceeds maximum size")
)

// Store is a content-addressed, append-only envelope store.
type Store interface {
	// Upload stores env and returns its content ID. A Content-Type tag is
	// added when tags carry none.
	Upload(
		ctx context.Context,
		env envelope.EncryptedEnvelope,
		tags ...Tag,
	) (ContentID, error)
	// Download returns the record stored under id.
	Download(ctx context.Context, id ContentID) (ContentRecord, error)
	// URL is where id can be fetched by anyone.
	URL(id ContentID) string
}

// Tag is one metadata name/value pair attached at upload.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ContentRecord is an immutable stored envelope.
type ContentRecord struct {
	ID          ContentID
	Envelope    envelope.EncryptedEnvelope
	ContentType string
	Tags        []Tag
	// Raw holds the exact stored bytes.
	Raw []byte
}

// ContentID is a CIDv1 (raw codec, sha2-256) in its default string form.
type ContentID string

var idPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// NewContentID derives the ID of data.
func NewContentID(data []byte) (ContentID, error) { // A
	c, err := idPrefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("derive content id: %w", err)
	}
	return ContentID(c.String()), nil
}

// ParseContentID checks s is an ID this package could have produced.
func ParseContentID(s string) (ContentID, error) { // A
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	p := c.Prefix()
	if p.Version != 1 || p.Codec != cid.Raw || p.MhType != multihash.SHA2_256 {
		return "", fmt.Errorf("%w: unsupported prefix %v", ErrInvalidID, p)
	}
	return ContentID(c.String()), nil
}

// Key returns the binary CID, suitable as a storage key.
func (id ContentID) Key() ([]byte, error) { // A
	c, err := cid.Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return c.Bytes(), nil
}

// Verify reports whether data hashes to id.
func (id ContentID) Verify(data []byte) error { // A
	got, err := NewContentID(data)
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("%w: content hashes to %s, not %s", ErrCorruptRecord, got, id)
	}
	return nil
}

func (id ContentID) String() string { // A
	return string(id)
}

// NormalizeTags validates tags and appends the envelope content type when
// no Content-Type tag is present. The input slice is not modified.
func NormalizeTags(tags []Tag) ([]Tag, error) { // A
	out := make([]Tag, 0, len(tags)+1)
	hasType := false
	for _, t := range tags {
		if strings.TrimSpace(t.Name) == "" {
			return nil, errors.New("contentstore: empty tag name")
		}
		if strings.EqualFold(t.Name, ContentTypeTag) {
			if t.Value == "" {
				return nil, ErrMissingContentType
			}
			hasType = true
		}
		out = append(out, t)
	}
	if !hasType {
		out = append(out, Tag{Name: ContentTypeTag, Value: envelope.ContentType})
	}
	return out, nil
}

// ContentType returns the Content-Type tag value.
func ContentType(tags []Tag) (string, bool) { // A
	for _, t := range tags {
		if strings.EqualFold(t.Name, ContentTypeTag) && t.Value != "" {
			return t.Value, true
		}
	}
	return "", false
}

// DecodeRecord rebuilds a record from stored bytes, verifying that raw
// matches id and holds a well-formed envelope.
func DecodeRecord(id ContentID, raw []byte, tags []Tag) (ContentRecord, error) { // A
	if err := id.Verify(raw); err != nil {
		return ContentRecord{}, err
	}
	env, err := envelope.Unmarshal(raw)
	if err != nil {
		return ContentRecord{}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	ct, ok := ContentType(tags)
	if !ok {
		return ContentRecord{}, fmt.Errorf("%w: %w", ErrCorruptRecord, ErrMissingContentType)
	}
	return ContentRecord{
		ID:          id,
		Envelope:    env,
		ContentType: ct,
		Tags:        append([]Tag(nil), tags...),
		Raw:         append([]byte(nil), raw...),
	}, nil
}

type uploaderKey struct{}

// WithUploader attaches the paying uploader to ctx.
func WithUploader(ctx context.Context, addr common.Address) context.Context { // A
	return context.WithValue(ctx, uploaderKey{}, addr)
}

// UploaderFrom returns the uploader attached by WithUploader.
func UploaderFrom(ctx context.Context) (common.Address, bool) { // A
	addr, ok := ctx.Value(uploaderKey{}).(common.Address)
	return addr, ok
}
