package envelope

import "fmt"

// KeyMeta identifies a specific version of a key by id and creation
// timestamp (unix seconds).
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

// String returns a human-readable representation of m.
func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta [keyId=%s created=%d]", m.ID, m.Created)
}

// DataRowRecord carries the encrypted payload plus everything needed to
// decrypt it later. Persist this alongside the data it protects.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}

// EnvelopeKeyRecord is an encrypted key plus the metadata describing the key
// that encrypted it. This is the record persisted in a Metastore.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}
