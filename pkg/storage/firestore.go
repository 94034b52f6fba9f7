package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore persists settings keys as documents under
// homes/<homeID>/settings. Each document holds the raw JSON for one key.
type FirestoreStore struct {
	notifier

	client    *firestore.Client
	projectID string
	database  string
	homeID    string
}

// configuredFirestore sets up the Firestore store. It registers flags for
// configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	homeID := lflag.String("home-id", "default", "Home identifier the settings are stored under")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.homeID = *homeID

		// set this because that's how the firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client. This must be called before using the
// store methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreStore) settings() *firestore.CollectionRef {
	return f.client.Collection("homes").Doc(f.homeID).Collection("settings")
}

type firestoreValue struct {
	JSON string `firestore:"json"`
}

// Get retrieves and decodes the value stored under key.
func (f *FirestoreStore) Get(ctx context.Context, key string, out any) (bool, error) {
	doc, err := f.settings().Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var v firestoreValue
	if err := doc.DataTo(&v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	if v.JSON == "" || v.JSON == "null" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(v.JSON), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key and notifies subscribers.
func (f *FirestoreStore) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if _, err := f.settings().Doc(key).Set(ctx, firestoreValue{JSON: string(b)}); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	f.notify(key)
	return nil
}

// Keys lists all stored settings keys.
func (f *FirestoreStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	it := f.settings().Documents(ctx)
	defer it.Stop()
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list settings keys: %w", err)
		}
		keys = append(keys, doc.Ref.ID)
	}
	return keys, nil
}
