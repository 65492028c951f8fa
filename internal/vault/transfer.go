package vault

// ServerVault is the encrypted blob and revision currently held by the server.
// An empty server reports revision 0 and no blob.
type ServerVault struct {
	Blob     []byte
	Revision int64
}

// UploadRequest pushes a blob computed against BaseRevision.
type UploadRequest struct {
	Blob         []byte
	BaseRevision int64
}

// UploadResult reports the accepted revision, or Outdated when another replica
// advanced the server past BaseRevision first.
type UploadResult struct {
	NewRevision int64
	Outdated    bool
	// CurrentRevision is the server revision at the time an outdated upload was refused.
	CurrentRevision int64
}

// StoreRequest replaces local storage with Blob only if the live mutation
// sequence still equals BaselineSequence.
type StoreRequest struct {
	Blob             []byte
	BaselineSequence int64
	ServerRevision   int64
}

// StoreResult reports whether the sequence-checked write was applied.
type StoreResult struct {
	Success bool
}

// ProtocolHeader carries the sync protocol version on every vault request.
const ProtocolHeader = "X-Vault-Protocol"

// ProtocolVersion is the sync protocol spoken by this build.
const ProtocolVersion = "1"
