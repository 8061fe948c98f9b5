// Package badgerstore is a contentstore.Store on a local badger database.
// Uploads are charged per byte against balances funded with Fund.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/envelope"
)

// ErrPriceOverflow is returned for uploads whose price does not fit in a
// balance.
var ErrPriceOverflow = fmt.Errorf("%w: price exceeds any balance", contentstore.ErrInsufficientFunds)

var (
	recordPrefix  = []byte("rec/")
	balancePrefix = []byte("bal/")
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// MinimumFreeGB stops uploads once the disk holding Path has less free
	// space than this.
	MinimumFreeGB int
	// PricePerByte is charged to the uploader. Zero makes uploads free.
	PricePerByte uint64
	// BaseURL prefixes content IDs in URL.
	BaseURL string
	Logger  *logrus.Logger
}

// Store keeps each record zstd-compressed under its binary CID.
type Store struct {
	config Config
	db     *badger.DB
	log    *logrus.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	// writes serialises uploads and ledger updates.
	writes sync.Mutex
}

type storedRecord struct {
	Tags []contentstore.Tag `json:"tags"`
	Data []byte             `json:"data"`
}

// Open opens or creates the store.
func Open(conf Config) (*Store, error) { // A
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if err := conf.check(); err != nil {
		return nil, fmt.Errorf("error checking config for badgerstore: %w", err)
	}

	opts := badger.DefaultOptions(conf.Path)
	if conf.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	if conf.Logger.IsLevelEnabled(logrus.DebugLevel) {
		opts.Logger = conf.Logger.WithField("component", "badger")
	}
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, err
	}

	s := &Store{config: conf, db: db, log: conf.Logger, enc: enc, dec: dec}
	if !conf.InMemory {
		if err := s.logDiskUsage(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error { // A
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Store) URL(id contentstore.ContentID) string { // A
	return strings.TrimRight(s.config.BaseURL, "/") + "/" + id.String()
}

// Price is what an upload of size bytes costs.
func (s *Store) Price(size int) (uint64, error) { // A
	if size < 0 {
		return 0, fmt.Errorf("badgerstore: negative size %d", size)
	}
	hi, lo := bits.Mul64(uint64(size), s.config.PricePerByte)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d bytes at %d per byte", ErrPriceOverflow, size, s.config.PricePerByte)
	}
	return lo, nil
}

// Upload stores env. Storing content that already exists is free and keeps
// the original tags.
func (s *Store) Upload( // A
	ctx context.Context,
	env envelope.EncryptedEnvelope,
	tags ...contentstore.Tag,
) (contentstore.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", contentstore.ErrUnavailable, err)
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}
	if len(raw) > contentstore.MaxUploadSize {
		return "", fmt.Errorf("%w: %d bytes", contentstore.ErrTooLarge, len(raw))
	}
	tags, err = contentstore.NormalizeTags(tags)
	if err != nil {
		return "", err
	}
	id, err := contentstore.NewContentID(raw)
	if err != nil {
		return "", err
	}
	key, err := recordKey(id)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(storedRecord{Tags: tags, Data: raw})
	if err != nil {
		return "", err
	}
	value = s.enc.EncodeAll(value, nil)

	cost, err := s.Price(len(raw))
	if err != nil {
		return "", err
	}
	uploader, hasUploader := contentstore.UploaderFrom(ctx)
	if cost > 0 && !hasUploader {
		return "", fmt.Errorf("%w: paid store needs an uploader", contentstore.ErrUnauthorized)
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return errExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := s.checkFreeSpace(); err != nil {
			return err
		}
		if cost > 0 {
			if err := debit(txn, uploader, cost); err != nil {
				return err
			}
		}
		return txn.Set(key, value)
	})
	switch {
	case errors.Is(err, errExists):
		s.log.WithField("id", id.String()).Debug("content already stored")
		return id, nil
	case errors.Is(err, contentstore.ErrInsufficientFunds),
		errors.Is(err, contentstore.ErrUnavailable):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: %w", contentstore.ErrUnavailable, err)
	}

	s.log.WithFields(logrus.Fields{
		"id":       id.String(),
		"bytes":    len(raw),
		"cost":     cost,
		"uploader": uploader.Hex(),
	}).Info("stored envelope")
	return id, nil
}

var errExists = errors.New("record exists")

func (s *Store) Download( // A
	ctx context.Context,
	id contentstore.ContentID,
) (contentstore.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return contentstore.ContentRecord{}, fmt.Errorf("%w: %w", contentstore.ErrUnavailable, err)
	}
	key, err := recordKey(id)
	if err != nil {
		return contentstore.ContentRecord{}, err
	}

	var value []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return contentstore.ContentRecord{}, fmt.Errorf("%w: %s", contentstore.ErrNotFound, id)
	}
	if err != nil {
		return contentstore.ContentRecord{}, fmt.Errorf("%w: %w", contentstore.ErrUnavailable, err)
	}

	plain, err := s.dec.DecodeAll(value, nil)
	if err != nil {
		return contentstore.ContentRecord{}, fmt.Errorf("%w: decompress: %w", contentstore.ErrCorruptRecord, err)
	}
	var rec storedRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return contentstore.ContentRecord{}, fmt.Errorf("%w: %w", contentstore.ErrCorruptRecord, err)
	}
	return contentstore.DecodeRecord(id, rec.Data, rec.Tags)
}

// Fund credits amount to addr.
func (s *Store) Fund(addr common.Address, amount uint64) error { // A
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		bal, err := balance(txn, addr)
		if err != nil {
			return err
		}
		if bal+amount < bal {
			return errors.New("badgerstore: balance overflow")
		}
		return setBalance(txn, addr, bal+amount)
	})
}

// Balance returns what addr can still spend.
func (s *Store) Balance(addr common.Address) (uint64, error) { // A
	var bal uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		bal, err = balance(txn, addr)
		return err
	})
	return bal, err
}

func debit(txn *badger.Txn, addr common.Address, cost uint64) error { // A
	bal, err := balance(txn, addr)
	if err != nil {
		return err
	}
	if bal < cost {
		return fmt.Errorf(
			"%w: %s has %d, upload costs %d",
			contentstore.ErrInsufficientFunds, addr.Hex(), bal, cost,
		)
	}
	return setBalance(txn, addr, bal-cost)
}

func balance(txn *badger.Txn, addr common.Address) (uint64, error) { // A
	item, err := txn.Get(balanceKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var bal uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("balance of %s has %d bytes", addr.Hex(), len(val))
		}
		bal = binary.BigEndian.Uint64(val)
		return nil
	})
	return bal, err
}

func setBalance(txn *badger.Txn, addr common.Address, bal uint64) error { // A
	return txn.Set(balanceKey(addr), binary.BigEndian.AppendUint64(nil, bal))
}

func balanceKey(addr common.Address) []byte { // A
	return append(append([]byte(nil), balancePrefix...), addr.Bytes()...)
}

func recordKey(id contentstore.ContentID) ([]byte, error) { // A
	k, err := id.Key()
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), recordPrefix...), k...), nil
}
