// Package deployment defines the wire and in-memory shapes of an update
// deployment as delivered over the desired-properties channel (§6(a)).
package deployment

// UpdateId identifies a specific update in a provider's catalog.
type UpdateId struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

func (u UpdateId) String() string {
	return u.Provider + "/" + u.Name + "/" + u.Version
}

// HashEntry is one declared hash for a FileEntity's payload.
type HashEntry struct {
	Type        string `json:"type"`
	ValueBase64 string `json:"value"`
}

// RelatedFile identifies a source payload a delta download can patch
// from, plus the handler that knows how to apply the delta.
type RelatedFile struct {
	SourceHash HashEntry `json:"sourceHash"`
	HandlerID  string    `json:"handlerId"`
}

// FileEntity is a single payload within a Deployment.
type FileEntity struct {
	FileID            string        `json:"fileId"`
	TargetFilename    string        `json:"targetFilename"`
	SizeInBytes       int64         `json:"sizeInBytes"`
	Hashes            []HashEntry   `json:"hashes"`
	DownloadURI       string        `json:"downloadUri"`
	RelatedFiles      []RelatedFile `json:"relatedFiles,omitempty"`
	DownloadHandlerID string        `json:"downloadHandlerId,omitempty"`
}

// ContentProtection describes how a Deployment's payloads are
// encrypted. The decrypted DEK never round-trips through this type;
// callers unwrap it into a dekcontainer.DEK and hold that instead.
type ContentProtection struct {
	// EncryptedDEK is the content-encryption key, itself encrypted
	// (key-wrapped) under a root-key-anchored public key.
	EncryptedDEK string `json:"encryptedDek"`
	Algorithm    string `json:"algorithm"`
	Mode         string `json:"mode"`
	KeyLengthBits int   `json:"keyLengthBits"`
}

// Deployment is a single end-to-end attempt to install one update.
type Deployment struct {
	WorkflowID        string             `json:"workflowId"`
	UpdateID          UpdateId           `json:"updateId"`
	UpdateType        string             `json:"updateType"`
	InstalledCriteria string             `json:"installedCriteria"`
	Files             []FileEntity       `json:"files"`
	ContentProtection *ContentProtection `json:"contentProtection,omitempty"`
	// Steps holds nested sub-deployments (SPEC_FULL.md §3 addition).
	// The engine applies them depth-first; a step's fatal failure is a
	// fatal failure of the parent.
	Steps []Deployment `json:"steps,omitempty"`
}
