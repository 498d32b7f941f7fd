package event

import (
	"encoding/json"
	"fmt"
)

// ParsePayload decodes a raw payload document into its typed form and
// validates it. Unknown keys in the document are preserved in the
// canonical bytes (and therefore hashed) but ignored here.
func ParsePayload(t Type, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeTradeOpen:
		p = &TradeOpen{}
	case TypeTradeClose:
		p = &TradeClose{}
	case TypePartialClose:
		p = &PartialClose{}
	case TypeTradeModify:
		p = &TradeModify{}
	case TypeSnapshot:
		p = &Snapshot{}
	case TypeSessionStart:
		p = &SessionStart{}
	case TypeSessionEnd:
		p = &SessionEnd{}
	case TypeCashflow:
		p = &Cashflow{}
	case TypeChainRecovery:
		p = &ChainRecovery{}
	case TypeBrokerEvidence:
		p = &BrokerEvidence{}
	case TypeBrokerHistoryDigest:
		p = &BrokerHistoryDigest{}
	default:
		return nil, fmt.Errorf("unknown event type %d", int32(t))
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return p, nil
}
