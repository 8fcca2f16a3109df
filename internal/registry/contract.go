package registry

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/storage"
)

// ContractRegistry holds all derivative contract definitions. Contract ids
// occupy their own dense id space starting at 1.
type ContractRegistry struct {
	*Registry
}

func NewContractRegistry(store storage.Store, log zerolog.Logger) (*ContractRegistry, error) {
	r, err := newRegistry("contract-registry", store, 1, log)
	if err != nil {
		return nil, err
	}
	return &ContractRegistry{Registry: r}, nil
}

func (cr *ContractRegistry) Create(txid chain.Hash256, c *Contract) (uint32, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	return cr.create(txid, raw)
}

func (cr *ContractRegistry) Update(id uint32, c *Contract) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return cr.update(id, raw)
}

func (cr *ContractRegistry) Get(id uint32) (*Contract, bool, error) {
	raw, found, err := cr.get(id)
	if err != nil || !found {
		return nil, false, err
	}
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, &chain.ConsensusFault{Component: cr.name, Detail: "corrupt contract entry", Err: err}
	}
	return &c, true, nil
}

// FindByName resolves a contract by its registered name; contract trades
// address contracts by name on the wire. Names are unique at creation time
// and matched exactly.
func (cr *ContractRegistry) FindByName(name string) (uint32, *Contract, bool, error) {
	var (
		foundID uint32
		found   *Contract
	)
	err := cr.ForEach(func(id uint32, raw []byte) error {
		var c Contract
		if err := json.Unmarshal(raw, &c); err != nil {
			return &chain.ConsensusFault{Component: cr.name, Detail: "corrupt contract entry", Err: err}
		}
		if c.Name == name && found == nil {
			foundID, found = id, &c
		}
		return nil
	})
	if err != nil {
		return 0, nil, false, err
	}
	return foundID, found, found != nil, nil
}
