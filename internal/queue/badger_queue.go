package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// BadgerQueue is a persistent MessageQueue on BadgerDB. Delivery is
// at-least-once: received messages hide behind a visibility timeout and
// reappear unless their receipt is deleted. Messages received more than
// maxReceive times are dropped to keep a poison payload from wedging the
// queue.
//
// Key layout:
//
//	queue:{name}:msg:{id}               -> message JSON
//	queue:{name}:index:{visibleAtNs}:{id} -> empty (visibility ordering)
//	queue:{name}:receipt:{receipt}      -> id
type BadgerQueue struct {
	db         *badger.DB
	queueName  string
	maxReceive int
}

// NewBadgerQueue creates a persistent queue named queueName.
func NewBadgerQueue(db *badger.DB, queueName string, maxReceive int) (interfaces.MessageQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if maxReceive <= 0 {
		maxReceive = 10
	}
	return &BadgerQueue{
		db:         db,
		queueName:  queueName,
		maxReceive: maxReceive,
	}, nil
}

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.queueName, id))
}

func (q *BadgerQueue) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.queueName, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) receiptKey(receipt string) []byte {
	return []byte(fmt.Sprintf("queue:%s:receipt:%s", q.queueName, receipt))
}

func (q *BadgerQueue) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", q.queueName))
}

// parseIndexKey extracts the visibility timestamp and message ID.
func (q *BadgerQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	rest := strings.TrimPrefix(string(key), string(q.indexPrefix()))
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed index key %q", key)
	}
	ns, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed index timestamp in %q: %w", key, err)
	}
	return time.Unix(0, ns), parts[1], nil
}

func (q *BadgerQueue) Send(ctx context.Context, payload []byte) error {
	return q.SendBatch(ctx, [][]byte{payload})
}

func (q *BadgerQueue) SendBatch(ctx context.Context, payloads [][]byte) error {
	now := time.Now()
	return q.db.Update(func(txn *badger.Txn) error {
		for _, payload := range payloads {
			msg := models.QueueMessage{
				ID:         uuid.New().String(),
				Payload:    payload,
				EnqueuedAt: now,
				VisibleAt:  now,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal queue message: %w", err)
			}
			if err := txn.Set(q.msgKey(msg.ID), data); err != nil {
				return err
			}
			if err := txn.Set(q.indexKey(msg.VisibleAt, msg.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Receive pulls up to max visible messages, hiding each behind a fresh
// receipt for the visibility window.
func (q *BadgerQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]*models.QueueMessage, error) {
	if max <= 0 {
		return nil, nil
	}

	var out []*models.QueueMessage
	err := q.db.Update(func(txn *badger.Txn) error {
		out = out[:0]
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		prefix := q.indexPrefix()

		// Collect claimable index keys first; mutating while iterating
		// invalidates the iterator.
		type claim struct {
			indexKey []byte
			id       string
		}
		var claims []claim
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(claims) < max; it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index is sorted by visibility; nothing later is ready.
				break
			}
			claims = append(claims, claim{indexKey: key, id: id})
		}
		it.Close()

		for _, c := range claims {
			item, err := txn.Get(q.msgKey(c.id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry; clean it up.
					if err := txn.Delete(c.indexKey); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var msg models.QueueMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			if msg.ReceiveCount >= q.maxReceive {
				// Poison message: drop it rather than block the queue.
				if err := q.deleteMessage(txn, &msg, c.indexKey); err != nil {
					return err
				}
				continue
			}

			if msg.Receipt != "" {
				if err := txn.Delete(q.receiptKey(msg.Receipt)); err != nil {
					return err
				}
			}
			msg.ReceiveCount++
			msg.Receipt = uuid.New().String()
			msg.VisibleAt = now.Add(visibility)

			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(q.msgKey(msg.ID), data); err != nil {
				return err
			}
			if err := txn.Delete(c.indexKey); err != nil {
				return err
			}
			if err := txn.Set(q.indexKey(msg.VisibleAt, msg.ID), []byte{}); err != nil {
				return err
			}
			if err := txn.Set(q.receiptKey(msg.Receipt), []byte(msg.ID)); err != nil {
				return err
			}

			received := msg
			out = append(out, &received)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.queueName, err)
	}
	return out, nil
}

// Delete acknowledges a receipt. Receipts from superseded deliveries fail
// with ErrInvalidReceipt.
func (q *BadgerQueue) Delete(ctx context.Context, receipt string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.receiptKey(receipt))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return models.ErrInvalidReceipt
			}
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}

		msgItem, err := txn.Get(q.msgKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return txn.Delete(q.receiptKey(receipt))
			}
			return err
		}
		var msg models.QueueMessage
		if err := msgItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}
		if msg.Receipt != receipt {
			return models.ErrInvalidReceipt
		}
		return q.deleteMessage(txn, &msg, q.indexKey(msg.VisibleAt, msg.ID))
	})
}

func (q *BadgerQueue) deleteMessage(txn *badger.Txn, msg *models.QueueMessage, indexKey []byte) error {
	if err := txn.Delete(indexKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if msg.Receipt != "" {
		if err := txn.Delete(q.receiptKey(msg.Receipt)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}
	return txn.Delete(q.msgKey(msg.ID))
}

func (q *BadgerQueue) Length(ctx context.Context) (int, error) {
	count := 0
	prefix := []byte(fmt.Sprintf("queue:%s:msg:", q.queueName))
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (q *BadgerQueue) Purge(ctx context.Context) error {
	prefix := []byte(fmt.Sprintf("queue:%s:", q.queueName))
	return q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
