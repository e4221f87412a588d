package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	badgerKeyPrefix  = "conv/"
	badgerMaxRetries = 5
)

// BadgerStore keeps one JSON document per conversation in an embedded
// key-value database.
type BadgerStore struct {
	db *badger.DB
	// appendMu serializes read-modify-write appends within this process.
	appendMu sync.Mutex
}

// NewBadgerStore opens a store at path; an empty path opens an in-memory
// database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(id string) []byte {
	return []byte(badgerKeyPrefix + id)
}

func (s *BadgerStore) CreateConversation(ctx context.Context, agentKind, seedTitle string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	now := time.Now().UTC()
	c := Conversation{
		ID:        uuid.NewString(),
		AgentKind: agentKind,
		Title:     DeriveTitle(seedTitle),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return putConversation(txn, &c)
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *BadgerStore) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	msg = normalizeMessage(msg)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var err error
	for attempt := 0; attempt < badgerMaxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			c, err := getConversation(txn, conversationID)
			if err != nil {
				return err
			}
			if !applyAppend(&c, msg, time.Now().UTC()) {
				return nil
			}
			return putConversation(txn, &c)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("append message: %w", err)
	}
	return err
}

func (s *BadgerStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	var c Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getConversation(txn, id)
		return err
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *BadgerStore) ListConversations(ctx context.Context, agentKind string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c Conversation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if c.AgentKind != agentKind {
				continue
			}
			c.MessageCount = len(c.Messages)
			c.Messages = nil
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	sortByUpdatedDesc(out)
	return out, nil
}

func (s *BadgerStore) DeleteConversation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func getConversation(txn *badger.Txn, id string) (Conversation, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	var c Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	}); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	c.MessageCount = len(c.Messages)
	return c, nil
}

func putConversation(txn *badger.Txn, c *Conversation) error {
	c.MessageCount = len(c.Messages)
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	return txn.Set(badgerKey(c.ID), raw)
}
