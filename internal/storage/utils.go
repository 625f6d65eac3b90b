package storage

import "github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"

func InitStore(dbPath string, policy storage.RetryPolicy) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(dbPath, policy)
	if err != nil {
		return nil, err
	}
	return store, nil
}
