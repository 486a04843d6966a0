package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/devblac/event-relay/internal/model"
)

// ErrDecode marks a log that does not match the event or fails ABI decoding. Such logs are skipped.
var ErrDecode = errors.New("decode error")

// Decoder turns raw logs of one event definition into field maps.
type Decoder struct {
	name    string
	address common.Address
	event   *abi.Event
}

// New resolves the event schema of a definition, preferring its ABI fragment over the signature.
func New(def model.EventDefinition) (*Decoder, error) {
	ev, err := resolveEvent(def)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", def.ID, err)
	}
	if ev.Anonymous {
		return nil, fmt.Errorf("event %s: anonymous events are not supported", def.ID)
	}
	if !common.IsHexAddress(def.Contract) {
		return nil, fmt.Errorf("event %s: invalid contract address %q", def.ID, def.Contract)
	}
	name := def.Name
	if name == "" {
		name = ev.Name
	}
	return &Decoder{
		name:    name,
		address: common.HexToAddress(def.Contract),
		event:   ev,
	}, nil
}

func resolveEvent(def model.EventDefinition) (*abi.Event, error) {
	if def.ABI != "" {
		return ParseFragment(def.ABI, def.Name, def.Signature)
	}
	if isTopicHash(def.Signature) {
		return nil, errors.New("a topic hash signature requires an abi fragment")
	}
	return ParseSignature(def.Signature)
}

// Topic is the topic0 hash logs of this event carry.
func (d *Decoder) Topic() common.Hash {
	return d.event.ID
}

// Address is the emitting contract.
func (d *Decoder) Address() common.Address {
	return d.address
}

// EventName is the name stored with every decoded record.
func (d *Decoder) EventName() string {
	return d.name
}

// Signature is the canonical signature, e.g. Transfer(address,address,uint256).
func (d *Decoder) Signature() string {
	return d.event.Sig
}

// Decode parses a log into a field map. Integer arguments become decimal strings and byte values
// become 0x hex; everything else keeps its decoded Go type.
func (d *Decoder) Decode(log types.Log) (map[string]any, error) {
	if log.Address != d.address {
		return nil, fmt.Errorf("%w: log address %s does not match %s", ErrDecode, log.Address.Hex(), d.address.Hex())
	}
	if len(log.Topics) == 0 || log.Topics[0] != d.event.ID {
		return nil, fmt.Errorf("%w: topic does not match %s", ErrDecode, d.event.Sig)
	}

	indexed, nonIndexed := splitIndexed(d.event.Inputs)
	raw := map[string]any{}
	if err := abi.ParseTopicsIntoMap(raw, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: parse topics: %v", ErrDecode, err)
	}
	if err := nonIndexed.UnpackIntoMap(raw, log.Data); err != nil {
		return nil, fmt.Errorf("%w: unpack data: %v", ErrDecode, err)
	}

	fields := make(map[string]any, len(raw))
	for _, arg := range d.event.Inputs {
		v, ok := raw[arg.Name]
		if !ok {
			continue
		}
		fields[arg.Name] = normalize(arg.Type, v)
	}
	return fields, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

func normalize(t abi.Type, v any) any {
	// Indexed dynamic values only carry their keccak hash.
	if h, ok := v.(common.Hash); ok && t.T != abi.FixedBytesTy {
		return h
	}

	switch t.T {
	case abi.IntTy, abi.UintTy:
		return integerString(v)
	case abi.BytesTy:
		if b, ok := v.([]byte); ok {
			return hexutil.Encode(b)
		}
	case abi.FixedBytesTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := range b {
				b[i] = byte(rv.Index(i).Uint())
			}
			return hexutil.Encode(b)
		}
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(*t.Elem, rv.Index(i).Interface())
		}
		return out
	case abi.TupleTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			return v
		}
		out := make(map[string]any, len(t.TupleElems))
		for i, elem := range t.TupleElems {
			name := t.TupleRawNames[i]
			if name == "" {
				name = fmt.Sprintf("field%d", i)
			}
			out[name] = normalize(*elem, rv.Field(i).Interface())
		}
		return out
	}
	return v
}

func integerString(v any) any {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return "0"
		}
		return x.String()
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return fmt.Sprint(v)
	}
}
