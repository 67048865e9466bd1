package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kwsync/internal/ir"
)

// SnapshotDocument is a full remote snapshot as read by `kwsync merge`.
type SnapshotDocument struct {
	Records []Record `yaml:"records"`
}

// ChangesDocument is a batch of incremental changes as read by
// `kwsync apply`.
type ChangesDocument struct {
	Changes []ChangeSpec `yaml:"changes"`
}

// ParseSnapshot decodes a snapshot document. An empty document is an empty
// snapshot.
func ParseSnapshot(data []byte) ([]ir.RemoteRecord, error) {
	var doc SnapshotDocument
	if err := decodeStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("parse snapshot YAML: %w", err)
	}

	records := make([]ir.RemoteRecord, 0, len(doc.Records))
	for i, r := range doc.Records {
		if err := validateRecord(r); err != nil {
			return nil, fmt.Errorf("records[%d]: %w", i, err)
		}
		records = append(records, r.remote())
	}
	return records, nil
}

// ParseChanges decodes a changes document.
func ParseChanges(data []byte) ([]ir.RemoteChange, error) {
	var doc ChangesDocument
	if err := decodeStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("parse changes YAML: %w", err)
	}

	for i, c := range doc.Changes {
		if err := validateChange(c); err != nil {
			return nil, fmt.Errorf("changes[%d]: %w", i, err)
		}
	}
	return remoteChanges(doc.Changes), nil
}

func decodeStrict(data []byte, v any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
