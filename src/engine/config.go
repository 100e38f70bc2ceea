package engine

import (
	"driftdb/src/storage"

	"go.uber.org/zap"
)

// Versioning selects the document versioning scheme persisted in a bundle.
type Versioning uint64

const (
	VersioningRevTrees Versioning = iota
	VersioningVectors
)

// Config carries the options for opening a database bundle.
type Config struct {
	// Create makes the bundle when it does not exist.
	Create bool
	// ReadOnly refuses all writes.
	ReadOnly bool
	// NoUpgrade fails instead of upgrading an older on-disk format.
	NoUpgrade bool
	// Versioning selects rev-trees or version vectors.
	Versioning Versioning
	// StorageEngine names the engine; empty selects the default.
	StorageEngine string

	EncryptionAlgorithm storage.EncryptionAlgorithm
	EncryptionKey       []byte

	Logger *zap.SugaredLogger
}

// Names of the reserved key-stores.
const (
	infoStoreName            = "info"
	CheckpointsStoreName     = "checkpoints"
	PeerCheckpointsStoreName = "peerCheckpoints"
)

// Names of the reserved info keys.
const (
	infoKeyVersioning          = "versioning"
	infoKeyMaxRevTreeDepth     = "maxRevTreeDepth"
	infoKeyPublicUUID          = "publicUUID"
	infoKeyPrivateUUID         = "privateUUID"
	infoKeyPreviousPrivateUUID = "previousPrivateUUID"
	infoKeyRemotes             = "remotes"
)

const defaultMaxRevTreeDepth = 20
