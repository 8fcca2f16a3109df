package registry

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/storage"
)

// PropertyRegistry holds all fungible property definitions.
type PropertyRegistry struct {
	*Registry
}

func NewPropertyRegistry(store storage.Store, log zerolog.Logger) (*PropertyRegistry, error) {
	r, err := newRegistry("property-registry", store, FirstAssignedID, log)
	if err != nil {
		return nil, err
	}
	return &PropertyRegistry{Registry: r}, nil
}

// Create assigns the next property id and persists the entry together with
// its txid index atomically.
func (pr *PropertyRegistry) Create(txid chain.Hash256, p *Property) (uint32, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	return pr.create(txid, raw)
}

// Update writes a new version of an existing property, parking the prior
// version under its update block for rollback.
func (pr *PropertyRegistry) Update(id uint32, p *Property) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return pr.update(id, raw)
}

// Get returns the current version of the property.
func (pr *PropertyRegistry) Get(id uint32) (*Property, bool, error) {
	raw, found, err := pr.get(id)
	if err != nil || !found {
		return nil, false, err
	}
	var p Property
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, &chain.ConsensusFault{Component: pr.name, Detail: "corrupt property entry", Err: err}
	}
	return &p, true, nil
}

// Exists reports whether the id refers to a reserved or registered
// property.
func (pr *PropertyRegistry) Exists(id uint32) bool {
	if id == PropertyBaseToken || id == PropertyVesting {
		return true
	}
	_, found, err := pr.get(id)
	return err == nil && found
}
