package activation

import (
	"fmt"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/codec"
)

// Protocol feature ids. Values are part of consensus.
const (
	FeatureVesting        uint16 = 1
	FeatureKYC            uint16 = 2
	FeatureDExSell        uint16 = 3
	FeatureDExBuy         uint16 = 4
	FeatureMetaDEx        uint16 = 5
	FeatureFixed          uint16 = 8
	FeatureManaged        uint16 = 9
	FeatureSendMany       uint16 = 11
	FeatureContractDEx    uint16 = 12
	FeatureOracles        uint16 = 13
	FeaturePeggedCurrency uint16 = 28
)

// FeatureName returns the human-readable name recorded alongside a
// scheduled activation.
func FeatureName(id uint16) string {
	switch id {
	case FeatureVesting:
		return "vesting"
	case FeatureKYC:
		return "kyc"
	case FeatureDExSell:
		return "dex sell"
	case FeatureDExBuy:
		return "dex buy"
	case FeatureMetaDEx:
		return "token exchange"
	case FeatureFixed:
		return "fixed issuance"
	case FeatureManaged:
		return "managed issuance"
	case FeatureSendMany:
		return "send to many"
	case FeatureContractDEx:
		return "contract exchange"
	case FeatureOracles:
		return "oracles"
	case FeaturePeggedCurrency:
		return "pegged currency"
	default:
		return "unknown"
	}
}

// featureGate maps gated message types to the feature that must be live
// before the interpreter accepts them. Types absent from the map are always
// accepted.
var featureGate = map[codec.MessageType]uint16{
	codec.MsgSendMany:    FeatureSendMany,
	codec.MsgSendVesting: FeatureVesting,

	codec.MsgDExSellOffer: FeatureDExSell,
	codec.MsgDExBuyOffer:  FeatureDExBuy,

	codec.MsgMetaDExTrade:         FeatureMetaDEx,
	codec.MsgMetaDExCancelAll:     FeatureMetaDEx,
	codec.MsgMetaDExCancel:        FeatureMetaDEx,
	codec.MsgMetaDExCancelByPair:  FeatureMetaDEx,
	codec.MsgMetaDExCancelByPrice: FeatureMetaDEx,

	codec.MsgCreateContract:         FeatureContractDEx,
	codec.MsgContractDexTrade:       FeatureContractDEx,
	codec.MsgContractDexCancelPrice: FeatureContractDEx,
	codec.MsgContractDexCancel:      FeatureContractDEx,
	codec.MsgContractDexCancelEco:   FeatureContractDEx,
	codec.MsgContractDexCancelBlock: FeatureContractDEx,

	codec.MsgContractDexClosePosition: FeatureContractDEx,

	codec.MsgCreateOracleContract: FeatureOracles,
	codec.MsgChangeOracleAdmin:    FeatureOracles,
	codec.MsgOracleSetPrices:      FeatureOracles,
	codec.MsgOracleBackup:         FeatureOracles,
	codec.MsgOracleClose:          FeatureOracles,

	codec.MsgCreatePegged: FeaturePeggedCurrency,
	codec.MsgRedeemPegged: FeaturePeggedCurrency,
	codec.MsgSendPegged:   FeaturePeggedCurrency,
}

// FeatureActivation is one pending or completed protocol activation.
type FeatureActivation struct {
	FeatureID        uint16
	ActivationBlock  uint32
	MinClientVersion uint32
	Name             string
}

// Config carries the operator-tunable activation policy.
type Config struct {
	// ClientVersion is this build's protocol version, compared against
	// each activation's MinClientVersion.
	ClientVersion uint32

	// AllowSenders and IgnoreSenders adjust the built-in authorized
	// sender set; "any" in AllowSenders disables the check entirely.
	AllowSenders  []string
	IgnoreSenders []string
}

// builtinAuthorized is the fixed allow-list of activation senders.
var builtinAuthorized = []string{
	"MQ4r3yi4jHEHhLSLhzabSBHs1x1g6HdxL3",
	"QPAjL1rgVzzM5XPkAVgjmt5kHWv44Cf8Aj",
}

// Manager runs the pending-to-completed activation lifecycle.
type Manager struct {
	cfg        Config
	authorized map[string]struct{}
	pending    []FeatureActivation
	completed  []FeatureActivation
	log        zerolog.Logger
}

func NewManager(cfg Config, log zerolog.Logger) *Manager {
	authorized := make(map[string]struct{})
	for _, a := range builtinAuthorized {
		authorized[a] = struct{}{}
	}
	for _, a := range cfg.AllowSenders {
		authorized[a] = struct{}{}
	}
	for _, a := range cfg.IgnoreSenders {
		delete(authorized, a)
	}
	return &Manager{cfg: cfg, authorized: authorized, log: log}
}

// Authorized reports whether sender may propose activations.
func (m *Manager) Authorized(sender string) bool {
	if _, ok := m.authorized["any"]; ok {
		return true
	}
	_, ok := m.authorized[sender]
	return ok
}

// Propose schedules a feature activation, replacing any pending entry for
// the same feature.
func (m *Manager) Propose(a FeatureActivation) {
	m.dropPending(a.FeatureID)
	m.pending = append(m.pending, a)
	m.log.Info().Uint16("feature", a.FeatureID).Uint32("block", a.ActivationBlock).
		Uint32("min_client", a.MinClientVersion).Msg("activation scheduled")
}

// Deactivate removes the feature from both the pending and completed sets.
func (m *Manager) Deactivate(featureID uint16) {
	m.dropPending(featureID)
	kept := m.completed[:0]
	for _, c := range m.completed {
		if c.FeatureID != featureID {
			kept = append(kept, c)
		}
	}
	m.completed = kept
}

func (m *Manager) dropPending(featureID uint16) {
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.FeatureID != featureID {
			kept = append(kept, p)
		}
	}
	m.pending = kept
}

// CheckLive promotes every pending activation whose block height has been
// reached. If this client is older than an activation's minimum version the
// returned ConsensusFault demands a shutdown: continuing to parse blocks
// without the feature's rules would diverge from upgraded peers.
func (m *Manager) CheckLive(height int) error {
	kept := m.pending[:0]
	for _, p := range m.pending {
		if int(p.ActivationBlock) > height {
			kept = append(kept, p)
			continue
		}
		if m.cfg.ClientVersion < p.MinClientVersion {
			return &chain.ConsensusFault{
				Component: "activation",
				Detail: fmt.Sprintf("feature %d went live at block %d requiring client version %d, running %d; shutting down to avoid consensus divergence",
					p.FeatureID, p.ActivationBlock, p.MinClientVersion, m.cfg.ClientVersion),
			}
		}
		m.completed = append(m.completed, p)
		m.log.Info().Uint16("feature", p.FeatureID).Int("height", height).Msg("feature live")
	}
	m.pending = kept
	return nil
}

// IsLive reports whether the feature has completed activation.
func (m *Manager) IsLive(featureID uint16) bool {
	for _, c := range m.completed {
		if c.FeatureID == featureID {
			return true
		}
	}
	return false
}

// Allows reports whether the message type is accepted with the currently
// live feature set.
func (m *Manager) Allows(t codec.MessageType) bool {
	feature, gated := featureGate[t]
	if !gated {
		return true
	}
	return m.IsLive(feature)
}

// Pending and Completed return copies for reporting.
func (m *Manager) Pending() []FeatureActivation {
	return append([]FeatureActivation(nil), m.pending...)
}

func (m *Manager) Completed() []FeatureActivation {
	return append([]FeatureActivation(nil), m.completed...)
}

// Snapshot captures both lists for block rollback.
type Snapshot struct {
	Pending   []FeatureActivation
	Completed []FeatureActivation
}

func (m *Manager) Snapshot() Snapshot {
	return Snapshot{Pending: m.Pending(), Completed: m.Completed()}
}

func (m *Manager) Restore(s Snapshot) {
	m.pending = append([]FeatureActivation(nil), s.Pending...)
	m.completed = append([]FeatureActivation(nil), s.Completed...)
}
