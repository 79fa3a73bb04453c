package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kaunda-a/nyx-registry/pkg/database"
)

const credentialsCollection = "proxy_credentials"

var ErrNotFound = errors.New("credential not found")

type credentialDocument struct {
	ProxyID   string    `bson:"_id"`
	Username  string    `bson:"username"`
	Password  string    `bson:"password"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Vault stores proxy credentials separately from the proxy records.
// Passwords are encrypted at rest and only ever read back by the prober.
type Vault struct {
	db  *database.MongoDB
	enc *Encryptor
}

func NewVault(db *database.MongoDB, enc *Encryptor) *Vault {
	return &Vault{db: db, enc: enc}
}

func (v *Vault) Put(ctx context.Context, proxyID, username, password string) error {
	encrypted, err := v.enc.Encrypt(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	doc := credentialDocument{
		ProxyID:   proxyID,
		Username:  username,
		Password:  encrypted,
		UpdatedAt: time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	_, err = v.db.GetCollection(credentialsCollection).ReplaceOne(ctx, bson.M{"_id": proxyID}, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (v *Vault) Get(ctx context.Context, proxyID string) (username, password string, err error) {
	var doc credentialDocument
	err = v.db.GetCollection(credentialsCollection).FindOne(ctx, bson.M{"_id": proxyID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("failed to load credential: %w", err)
	}

	plaintext, err := v.enc.Decrypt(doc.Password)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt credential for proxy %s: %w", proxyID, err)
	}
	return doc.Username, plaintext, nil
}

func (v *Vault) Delete(ctx context.Context, proxyID string) error {
	_, err := v.db.GetCollection(credentialsCollection).DeleteOne(ctx, bson.M{"_id": proxyID})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
