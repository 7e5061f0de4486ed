// storage/store.go
// 节点份额与 epoch 窗口的 BadgerDB 存储

package storage

import (
	"os"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	"github.com/pkg/errors"

	"nullifier/epoch"
	"nullifier/logs"
	"nullifier/pb"
	"nullifier/types"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("storage: not found")

// Options 打开参数
type Options struct {
	Path     string
	InMemory bool
	// ValueLogFileSize 0 表示使用 badger 默认值
	ValueLogFileSize int64
	// SyncWrites 份额写入是否同步落盘
	SyncWrites bool
}

// ShareRecord 份额记录
type ShareRecord struct {
	KeyID     types.KeyID
	Epoch     types.Epoch
	PartyID   int
	Threshold types.Threshold
	Secret    []byte
	PublicKey []byte
}

// Store 封装 BadgerDB
type Store struct {
	db     *badger.DB
	Logger *logs.Logger
}

var _ epoch.Store = (*Store)(nil)

// Open 打开存储；InMemory 用于测试
func Open(o Options, logger *logs.Logger) (*Store, error) {
	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// badger v2 不自动创建父目录，需要手动创建
		if err := os.MkdirAll(o.Path, 0o700); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
		opts = badger.DefaultOptions(o.Path)
		// 使用 FileIO 模式减少 mmap 内存占用
		opts.TableLoadingMode = options.FileIO
		opts.ValueLogLoadingMode = options.FileIO
		if o.ValueLogFileSize > 0 {
			opts.ValueLogFileSize = o.ValueLogFileSize
		}
	}
	opts = opts.WithLogger(nil).WithSyncWrites(o.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}
	return &Store{db: db, Logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string, m pb.Message) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return m.Unmarshal(val)
		})
	})
}

func (s *Store) set(key string, m pb.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), m.Marshal())
	})
}

// ========== 份额 ==========

// PutShare 保存份额（覆盖同 epoch 的旧值）
func (s *Store) PutShare(rec *ShareRecord) error {
	m := &pb.ShareRecord{
		KeyId:     rec.KeyID.Bytes(),
		Epoch:     uint64(rec.Epoch),
		PartyId:   uint32(rec.PartyID),
		Threshold: uint32(rec.Threshold.T),
		Nodes:     uint32(rec.Threshold.N),
		Secret:    rec.Secret,
		PublicKey: rec.PublicKey,
	}
	return errors.Wrapf(s.set(KeyShare(rec.KeyID, rec.Epoch), m), "put share %s/%d", rec.KeyID, rec.Epoch)
}

// GetShare 读取份额；不存在返回 ErrNotFound
func (s *Store) GetShare(keyID types.KeyID, ep types.Epoch) (*ShareRecord, error) {
	var m pb.ShareRecord
	if err := s.get(KeyShare(keyID, ep), &m); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, errors.Wrapf(err, "get share %s/%d", keyID, ep)
	}
	return &ShareRecord{
		KeyID:     keyID,
		Epoch:     types.Epoch(m.Epoch),
		PartyID:   int(m.PartyId),
		Threshold: types.Threshold{N: int(m.Nodes), T: int(m.Threshold)},
		Secret:    m.Secret,
		PublicKey: m.PublicKey,
	}, nil
}

// DeleteShare 删除某一代份额
func (s *Store) DeleteShare(keyID types.KeyID, ep types.Epoch) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(KeyShare(keyID, ep)))
	})
	return errors.Wrapf(err, "delete share %s/%d", keyID, ep)
}

// ShareEpochs 某个 KeyID 仍保留份额的所有 epoch（升序）
func (s *Store) ShareEpochs(keyID types.KeyID) ([]types.Epoch, error) {
	var out []types.Epoch
	prefix := []byte(PrefixShares(keyID))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if ep, ok := parseShareEpoch(string(it.Item().Key())); ok {
				out = append(out, ep)
			}
		}
		return nil
	})
	return out, err
}

// ========== 窗口 ==========

// SaveWindow 实现 epoch.Store
func (s *Store) SaveWindow(keyID types.KeyID, w epoch.Window) error {
	m := &pb.WindowRecord{
		KeyId:         keyID.Bytes(),
		CurrentEpoch:  uint64(w.Current),
		PreviousEpoch: uint64(w.Previous),
		HasPrevious:   w.HasPrevious,
	}
	return s.set(KeyWindow(keyID), m)
}

// LoadWindows 实现 epoch.Store
func (s *Store) LoadWindows() (map[types.KeyID]epoch.Window, error) {
	out := make(map[types.KeyID]epoch.Window)
	prefix := []byte(PrefixWindows())
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m pb.WindowRecord
			if err := it.Item().Value(func(val []byte) error { return m.Unmarshal(val) }); err != nil {
				return err
			}
			keyID, err := types.KeyIDFromBytes(m.KeyId)
			if err != nil {
				return err
			}
			out[keyID] = epoch.Window{
				Current:     types.Epoch(m.CurrentEpoch),
				Previous:    types.Epoch(m.PreviousEpoch),
				HasPrevious: m.HasPrevious,
			}
		}
		return nil
	})
	return out, errors.Wrap(err, "load windows")
}
