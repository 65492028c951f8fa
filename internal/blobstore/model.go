package blobstore

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidOwnerID indicates an empty or oversized vault owner identifier.
var ErrInvalidOwnerID = errors.New("blobstore: invalid owner id")

// OwnerID identifies whose vault a blob belongs to.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// VaultBlob is the encrypted vault of one owner. The server never decrypts it.
type VaultBlob struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Revision         int64  `gorm:"column:revision;not null"`
	Blob             []byte `gorm:"column:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName binds the model to vault_blobs.
func (VaultBlob) TableName() string {
	return "vault_blobs"
}
