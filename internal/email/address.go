package email

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// NamedAddress is an address with an optional display name.
type NamedAddress struct {
	Name    string `json:"name,omitempty" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

// AddressLike is any accepted recipient representation: a bare address, a
// named address, or a list of either. A nil AddressLike is absent.
//
// It decodes from JSON and YAML in all three shapes, and from a
// comma-separated environment variable.
type AddressLike []NamedAddress

// Addresses builds an AddressLike from bare address strings.
func Addresses(addrs ...string) AddressLike {
	if len(addrs) == 0 {
		return nil
	}
	out := make(AddressLike, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, NamedAddress{Address: a})
	}
	return out
}

// Named builds a single-entry AddressLike with a display name.
func Named(name, address string) AddressLike {
	return AddressLike{{Name: name, Address: address}}
}

// Normalize flattens address-likes into plain addresses. Order is first
// occurrence; exact duplicates and blank entries are dropped. No syntax
// validation is performed.
func Normalize(likes ...AddressLike) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, like := range likes {
		for _, na := range like {
			if strings.TrimSpace(na.Address) == "" {
				continue
			}
			if _, dup := seen[na.Address]; dup {
				continue
			}
			seen[na.Address] = struct{}{}
			out = append(out, na.Address)
		}
	}
	return out
}

// UnmarshalJSON accepts null, a string, a {name, address} object, or an
// array of strings and objects.
func (a *AddressLike) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := fromValue(raw, true)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON.
func (a *AddressLike) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromValue(raw, true)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Decode parses a comma-separated list of addresses. It lets envconfig
// populate AddressLike fields from environment variables.
func (a *AddressLike) Decode(value string) error {
	var out AddressLike
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, NamedAddress{Address: p})
		}
	}
	*a = out
	return nil
}

func fromValue(v any, allowList bool) (AddressLike, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if val == "" {
			return nil, nil
		}
		return AddressLike{{Address: val}}, nil
	case map[string]any:
		na := NamedAddress{}
		if s, ok := val["address"].(string); ok {
			na.Address = s
		}
		if s, ok := val["name"].(string); ok {
			na.Name = s
		}
		if na.Address == "" {
			return nil, nil
		}
		return AddressLike{na}, nil
	case []any:
		if !allowList {
			return nil, fmt.Errorf("nested address lists are not supported")
		}
		var out AddressLike
		for _, item := range val {
			parsed, err := fromValue(item, false)
			if err != nil {
				return nil, err
			}
			out = append(out, parsed...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported address value of type %T", v)
	}
}
