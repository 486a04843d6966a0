package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ParseSignature builds an abi.Event from a human readable signature. Accepted forms:
//
//	Transfer(address,address,uint256)
//	event Listed(address indexed nft, uint256 indexed nftId, address indexed seller, uint256 price)
//
// Arguments without the indexed keyword are treated as data arguments, so the canonical form only
// decodes events whose arguments are all non-indexed.
func ParseSignature(signature string) (*abi.Event, error) {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "event ")
	sig = strings.TrimSpace(sig)

	anonymous := false
	if strings.HasSuffix(sig, " anonymous") {
		anonymous = true
		sig = strings.TrimSpace(strings.TrimSuffix(sig, " anonymous"))
	}

	l := strings.Index(sig, "(")
	r := strings.LastIndex(sig, ")")
	if l <= 0 || r < l || r != len(sig)-1 {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	name := strings.TrimSpace(sig[:l])
	if name == "" || strings.ContainsAny(name, " \t") {
		return nil, fmt.Errorf("invalid event name in signature: %s", signature)
	}

	body := strings.TrimSpace(sig[l+1 : r])
	args := abi.Arguments{}
	if body != "" {
		for i, raw := range strings.Split(body, ",") {
			arg, err := parseArgument(strings.TrimSpace(raw), i)
			if err != nil {
				return nil, fmt.Errorf("signature %s: %w", signature, err)
			}
			args = append(args, arg)
		}
	}

	ev := abi.NewEvent(name, name, anonymous, args)
	return &ev, nil
}

func parseArgument(raw string, position int) (abi.Argument, error) {
	if raw == "" {
		return abi.Argument{}, fmt.Errorf("empty argument at position %d", position)
	}
	if strings.ContainsAny(raw, "()") {
		return abi.Argument{}, fmt.Errorf("tuple arguments require an abi fragment")
	}
	fields := strings.Fields(raw)
	typ := fields[0]
	indexed := false
	name := ""
	for _, f := range fields[1:] {
		if f == "indexed" && !indexed && name == "" {
			indexed = true
			continue
		}
		if name != "" {
			return abi.Argument{}, fmt.Errorf("unexpected token %q in argument %q", f, raw)
		}
		name = f
	}
	if name == "" {
		name = fmt.Sprintf("arg%d", position)
	}
	t, err := abi.NewType(typ, "", nil)
	if err != nil {
		return abi.Argument{}, fmt.Errorf("parse type %s: %w", typ, err)
	}
	return abi.Argument{Name: name, Type: t, Indexed: indexed}, nil
}

// ParseFragment reads an event from an ABI JSON fragment: a full ABI array or a single event object.
// The event is chosen by topic hash when signature is a hash, otherwise by name.
func ParseFragment(fragment, name, signature string) (*abi.Event, error) {
	data := bytes.TrimSpace([]byte(fragment))
	if len(data) == 0 {
		return nil, fmt.Errorf("empty abi fragment")
	}
	if data[0] == '{' {
		data = append(append([]byte{'['}, data...), ']')
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("abi fragment is not valid json")
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	if isTopicHash(signature) {
		topic := common.HexToHash(signature)
		for _, ev := range parsed.Events {
			if ev.ID == topic {
				ev := ev
				return &ev, nil
			}
		}
		return nil, fmt.Errorf("abi has no event with topic %s", signature)
	}

	if ev, ok := parsed.Events[name]; ok {
		return &ev, nil
	}
	if signature != "" {
		if want, err := ParseSignature(signature); err == nil {
			for _, ev := range parsed.Events {
				if ev.ID == want.ID {
					ev := ev
					return &ev, nil
				}
			}
		}
	}
	if len(parsed.Events) == 1 {
		for _, ev := range parsed.Events {
			ev := ev
			return &ev, nil
		}
	}
	return nil, fmt.Errorf("abi has no event named %s", name)
}

func isTopicHash(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && len(s) == 66
}
