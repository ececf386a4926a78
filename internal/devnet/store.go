package devnet

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

const (
	// AccountStoreCacheMB is the LevelDB block cache size in MB.
	AccountStoreCacheMB = 16

	// AccountStoreHandles is the maximum number of open file handles for LevelDB.
	AccountStoreHandles = 16
)

var ErrStoreClosed = errors.New("account store is closed")

// Account is a ledger account as persisted by the devnet.
type Account struct {
	Lamports   uint64
	Owner      protocol.Pubkey
	Data       []byte
	Executable bool
}

// Copy returns a deep copy of the account.
func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Data != nil {
		cp.Data = append([]byte(nil), a.Data...)
	}
	return &cp
}

// AccountStore keeps RLP-encoded accounts in LevelDB, or in memory when no
// path is given.
type AccountStore struct {
	db     ethdb.Database
	mu     sync.RWMutex
	closed bool
}

// NewAccountStore opens the store at path. An empty path, or a path that
// cannot be opened, yields an in-memory store.
func NewAccountStore(path string, log *zap.Logger) *AccountStore {
	if log == nil {
		log = zap.NewNop()
	}
	var db ethdb.Database

	if path != "" {
		if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
			log.Warn("Failed to create store directory, using in-memory", zap.String("path", path), zap.Error(mkErr))
			db = rawdb.NewMemoryDatabase()
		} else {
			ldb, ldbErr := leveldb.New(path, AccountStoreCacheMB, AccountStoreHandles, "", false)
			if ldbErr != nil {
				log.Warn("Failed to open LevelDB, using in-memory", zap.String("path", path), zap.Error(ldbErr))
				db = rawdb.NewMemoryDatabase()
			} else {
				db = rawdb.NewDatabase(ldb)
				log.Info("Opened persistent account store", zap.String("path", path))
			}
		}
	} else {
		db = rawdb.NewMemoryDatabase()
	}

	return &AccountStore{db: db}
}

func accountKey(pk protocol.Pubkey) []byte {
	return append([]byte("acct:"), pk[:]...)
}

// Get returns the account at pk, or nil when none is stored.
func (s *AccountStore) Get(pk protocol.Pubkey) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	key := accountKey(pk)
	ok, err := s.db.Has(key)
	if err != nil {
		return nil, fmt.Errorf("has %s: %w", pk, err)
	}
	if !ok {
		return nil, nil
	}
	enc, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", pk, err)
	}
	acct := new(Account)
	if err := rlp.DecodeBytes(enc, acct); err != nil {
		return nil, fmt.Errorf("decode %s: %w", pk, err)
	}
	return acct, nil
}

// Put stores acct at pk.
func (s *AccountStore) Put(pk protocol.Pubkey, acct *Account) error {
	return s.Commit(map[protocol.Pubkey]*Account{pk: acct})
}

// Commit writes every change in one batch. A nil account deletes the entry.
func (s *AccountStore) Commit(changes map[protocol.Pubkey]*Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	batch := s.db.NewBatch()
	for pk, acct := range changes {
		if acct == nil {
			if err := batch.Delete(accountKey(pk)); err != nil {
				return err
			}
			continue
		}
		enc, err := rlp.EncodeToBytes(acct)
		if err != nil {
			return fmt.Errorf("encode %s: %w", pk, err)
		}
		if err := batch.Put(accountKey(pk), enc); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Close closes the underlying database. Closing twice is a no-op.
func (s *AccountStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
