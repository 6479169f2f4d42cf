package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"collswap/pkg/quant"
)

var (
	// ErrUnknownType is returned for an envelope whose type is not handled.
	ErrUnknownType = errors.New("unknown event type")

	// ErrMalformed is returned for an envelope that cannot be decoded.
	ErrMalformed = errors.New("malformed event")
)

// Envelope is the wire form shared by every feed.
type Envelope struct {
	Type Type            `json:"type"`
	Seq  uint64          `json:"seq"`
	Ts   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type payload struct {
	OnChainOrderID   string `json:"onChainOrderId"`
	Owner            string `json:"owner,omitempty"`
	CollateralToken  string `json:"collateralToken,omitempty"`
	DebtToken        string `json:"debtToken,omitempty"`
	CollateralAmount string `json:"collateralAmount,omitempty"`
	Price            string `json:"price,omitempty"`
	InterestRateMode string `json:"interestRateMode,omitempty"`
	NewPrice         string `json:"newPrice,omitempty"`
	TradedAmount     string `json:"tradedAmount,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses one envelope into its concrete event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("envelope: %v", err)
	}
	return FromEnvelope(env)
}

// FromEnvelope converts an already unmarshaled envelope.
func FromEnvelope(env Envelope) (Event, error) {
	if env.Seq == 0 {
		return nil, malformed("missing seq")
	}
	var p payload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, malformed("seq %d data: %v", env.Seq, err)
		}
	}
	p.OnChainOrderID = strings.TrimSpace(p.OnChainOrderID)
	if p.OnChainOrderID == "" {
		return nil, malformed("seq %d: missing onChainOrderId", env.Seq)
	}
	base := BaseEvent{Seq: env.Seq, Ts: env.Ts, OnChainOrderID: p.OnChainOrderID}

	switch env.Type {
	case TypeOrderPlaced:
		amount, err := quant.ParsePositive(p.CollateralAmount)
		if err != nil {
			return nil, malformed("seq %d collateralAmount: %v", env.Seq, err)
		}
		price, err := quant.ParsePositive(p.Price)
		if err != nil {
			return nil, malformed("seq %d price: %v", env.Seq, err)
		}
		if p.Owner == "" || p.CollateralToken == "" || p.DebtToken == "" {
			return nil, malformed("seq %d: owner and tokens are required", env.Seq)
		}
		return &OrderPlaced{
			BaseEvent:        base,
			Owner:            p.Owner,
			CollateralToken:  p.CollateralToken,
			DebtToken:        p.DebtToken,
			CollateralAmount: amount,
			Price:            price,
			InterestRateMode: p.InterestRateMode,
		}, nil
	case TypeOrderUpdated:
		price, err := quant.ParsePositive(p.NewPrice)
		if err != nil {
			return nil, malformed("seq %d newPrice: %v", env.Seq, err)
		}
		return &OrderUpdated{BaseEvent: base, NewPrice: price}, nil
	case TypeOrderCancelled:
		return &OrderCancelled{BaseEvent: base}, nil
	case TypeOrderTraded:
		amount, err := quant.ParsePositive(p.TradedAmount)
		if err != nil {
			return nil, malformed("seq %d tradedAmount: %v", env.Seq, err)
		}
		return &OrderTraded{BaseEvent: base, TradedAmount: amount}, nil
	default:
		return nil, fmt.Errorf("%w: %q at seq %d", ErrUnknownType, env.Type, env.Seq)
	}
}

// Encode renders an event back into its envelope bytes.
func Encode(ev Event) ([]byte, error) {
	p := payload{OnChainOrderID: ev.ChainOrderID()}
	var ts int64

	switch e := ev.(type) {
	case *OrderPlaced:
		ts = e.Ts
		p.Owner = e.Owner
		p.CollateralToken = e.CollateralToken
		p.DebtToken = e.DebtToken
		p.CollateralAmount = e.CollateralAmount.String()
		p.Price = e.Price.String()
		p.InterestRateMode = e.InterestRateMode
	case *OrderUpdated:
		ts = e.Ts
		p.NewPrice = e.NewPrice.String()
	case *OrderCancelled:
		ts = e.Ts
	case *OrderTraded:
		ts = e.Ts
		p.TradedAmount = e.TradedAmount.String()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.GetType(), Seq: ev.GetSeq(), Ts: ts, Data: data})
}
