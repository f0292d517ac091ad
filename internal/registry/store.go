package registry

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/kvstore"
)

const (
	prefixToken = "REGISTRY:TOKEN:"
	prefixOwner = "REGISTRY:OWNER:"
	prefixTx    = "REGISTRY:TX:"
	prefixDedup = "REGISTRY:DEDUP:"
	keyConfig   = "REGISTRY:CONFIG"
	keyStats    = "REGISTRY:STATS"
	ownerKeySep = '/'
)

type tokenRecord struct {
	ID       TokenID         `msgpack:"id"`
	Owner    address.Address `msgpack:"owner"`
	Metadata TokenMetadata   `msgpack:"metadata"`
	Burned   bool            `msgpack:"burned"`
	MintedAt time.Time       `msgpack:"minted_at"`
}

type dedupRecord struct {
	Index uint64    `msgpack:"index"`
	At    time.Time `msgpack:"at"`
}

// stats counts minted and burned tokens and the next log index.
type stats struct {
	Minted uint64 `msgpack:"minted"`
	Burned uint64 `msgpack:"burned"`
	NextTx uint64 `msgpack:"next_tx"`
}

func (s stats) supply() uint64 {
	return s.Minted - s.Burned
}

func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func tokenKey(id TokenID) []byte {
	return append([]byte(prefixToken), be64(uint64(id))...)
}

func ownerPrefix(owner address.Address) []byte {
	key := append([]byte(prefixOwner), string(owner)...)
	return append(key, ownerKeySep)
}

func ownerKey(owner address.Address, id TokenID) []byte {
	return append(ownerPrefix(owner), be64(uint64(id))...)
}

func txKey(index uint64) []byte {
	return append([]byte(prefixTx), be64(index)...)
}

func tokenIDFromKey(prefix, key []byte) TokenID {
	return TokenID(binary.BigEndian.Uint64(key[len(prefix):]))
}

// dedupKey identifies a transaction by everything the submitter controls.
func dedupKey(kind TxKind, id TokenID, from, to address.Address, memo []byte, createdAt time.Time) []byte {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write(be64(uint64(id)))
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(to))
	h.Write([]byte{0})
	h.Write(memo)
	h.Write(be64(uint64(createdAt.UnixNano())))
	return append([]byte(prefixDedup), h.Sum(nil)...)
}

func getRecord(txn *kvstore.Txn, key []byte, v any) (bool, error) {
	raw, ok, err := txn.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return true, decodeRecord(raw, v)
}

func putRecord(txn *kvstore.Txn, key []byte, v any) error {
	raw, err := encodeRecord(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func readToken(txn *kvstore.Txn, id TokenID) (*tokenRecord, error) {
	var rec tokenRecord
	ok, err := getRecord(txn, tokenKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// writeOwnership moves id from its previous owner (if any) to rec.Owner.
func writeOwnership(txn *kvstore.Txn, rec *tokenRecord, previous address.Address) error {
	if previous != "" {
		if err := txn.Delete(ownerKey(previous, rec.ID)); err != nil {
			return err
		}
	}
	if rec.Owner != "" {
		if err := txn.Set(ownerKey(rec.Owner, rec.ID), nil); err != nil {
			return err
		}
	}
	return putRecord(txn, tokenKey(rec.ID), rec)
}

func appendTx(txn *kvstore.Txn, st *stats, tx Transaction) (uint64, error) {
	tx.Index = st.NextTx
	if err := putRecord(txn, txKey(tx.Index), &tx); err != nil {
		return 0, err
	}
	st.NextTx++
	return tx.Index, nil
}
