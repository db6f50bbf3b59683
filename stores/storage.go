package stores

import (
	"context"
	"docrelay/config"
	"docrelay/core"
	"docrelay/stores/aws"
	"docrelay/stores/filesystem"
	"docrelay/stores/memory"
	"docrelay/stores/sqlite"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GetStore builds the document store selected by cfg.StorageType.
func GetStore(ctx context.Context, cfg config.Config) (core.DocumentStore, error) {
	var store core.DocumentStore
	var err error

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case config.StorageFilesystem:
		storageField["basePath"] = cfg.LocalStoragePath
		store, err = filesystem.NewDocumentStore(cfg.LocalStoragePath)
	case config.StorageSQLite:
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewDocumentStore(cfg.DataSourceName)
	case config.StorageS3:
		storageField["bucketName"] = cfg.S3Bucket
		store, err = aws.NewStore(ctx, cfg.S3Bucket)
	case config.StorageMemory, "":
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to initialise storage")
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
