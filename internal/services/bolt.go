package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/chat-web-client/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the TokenStore interface using a BoltDB file. It plays the part of the browser's
// local storage: the tokens survive restarts of the client until the user logs out.
type BoltDB struct {
	db *bolt.DB
}

var (
	authBucket = []byte("auth")
	tokensKey  = []byte("tokens")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Tokens returns the stored tokens, or empty tokens when nobody is logged in.
func (b BoltDB) Tokens(context.Context) (models.Tokens, error) {
	var tokens models.Tokens
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(authBucket)
		if bkt == nil {
			return nil
		}

		v := bkt.Get(tokensKey)
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &tokens); err != nil {
			return fmt.Errorf("failed to unmarshal tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Tokens{}, err
	}
	return tokens, nil
}

// SaveTokens replaces the stored tokens.
func (b BoltDB) SaveTokens(_ context.Context, tokens models.Tokens) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(authBucket)
		if err != nil {
			return fmt.Errorf("failed to create auth bucket: %w", err)
		}

		v, err := json.Marshal(tokens)
		if err != nil {
			return fmt.Errorf("failed to marshal tokens: %w", err)
		}

		return bkt.Put(tokensKey, v)
	})
}

// ClearTokens removes the stored tokens. Clearing an empty store is not an error.
func (b BoltDB) ClearTokens(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(authBucket)
		if bkt == nil {
			return nil
		}
		return bkt.Delete(tokensKey)
	})
}
