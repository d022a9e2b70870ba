// Package state persists node snapshots in a key-value database.
package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"cawnet/core/actions"
	"cawnet/core/auth"
	"cawnet/core/ledger"
	"cawnet/core/sync"
	"cawnet/core/types"
	"cawnet/native/bank"
	"cawnet/native/clients"
	"cawnet/native/names"
	"cawnet/storage"
)

// SnapshotVersion is bumped whenever a snapshot layout changes.
const SnapshotVersion uint64 = 1

// ExecutionSnapshot is everything an execution node needs to resume.
type ExecutionSnapshot struct {
	Version  uint64
	Layer    types.Layer
	Ledger   ledger.Snapshot
	Grants   []auth.Grant
	Mirror   sync.MirrorSnapshot
	Cawonces []actions.CawonceEntry
}

// CanonicalSnapshot is everything a canonical node needs to resume.
type CanonicalSnapshot struct {
	Version     uint64
	Layer       types.Layer
	Coordinator sync.CoordinatorSnapshot
	Names       names.Snapshot
	Bank        bank.Snapshot
	Clients     []clients.Client
}

// Store reads and writes rlp-encoded snapshots under keccak-hashed keys.
type Store struct {
	db storage.Database
}

// NewStore wraps a database.
func NewStore(db storage.Database) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database required")
	}
	return &Store{db: db}, nil
}

func executionKey(layer types.Layer) []byte {
	return ethcrypto.Keccak256([]byte("cawnet/execution/" + layer.String()))
}

func canonicalKey(layer types.Layer) []byte {
	return ethcrypto.Keccak256([]byte("cawnet/canonical/" + layer.String()))
}

// SaveExecution stores an execution snapshot.
func (s *Store) SaveExecution(snap *ExecutionSnapshot) error {
	snap.Version = SnapshotVersion
	return s.put(executionKey(snap.Layer), snap)
}

// LoadExecution loads the execution snapshot of layer. The boolean reports
// whether one existed.
func (s *Store) LoadExecution(layer types.Layer) (*ExecutionSnapshot, bool, error) {
	snap := new(ExecutionSnapshot)
	found, err := s.get(executionKey(layer), snap)
	if err != nil || !found {
		return nil, found, err
	}
	if snap.Version != SnapshotVersion {
		return nil, false, fmt.Errorf("state: execution snapshot version %d, want %d", snap.Version, SnapshotVersion)
	}
	return snap, true, nil
}

// SaveCanonical stores a canonical snapshot.
func (s *Store) SaveCanonical(snap *CanonicalSnapshot) error {
	snap.Version = SnapshotVersion
	return s.put(canonicalKey(snap.Layer), snap)
}

// LoadCanonical loads the canonical snapshot of layer.
func (s *Store) LoadCanonical(layer types.Layer) (*CanonicalSnapshot, bool, error) {
	snap := new(CanonicalSnapshot)
	found, err := s.get(canonicalKey(layer), snap)
	if err != nil || !found {
		return nil, found, err
	}
	if snap.Version != SnapshotVersion {
		return nil, false, fmt.Errorf("state: canonical snapshot version %d, want %d", snap.Version, SnapshotVersion)
	}
	return snap, true, nil
}

func (s *Store) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}
	return s.db.Put(key, encoded)
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode snapshot: %w", err)
	}
	return true, nil
}
