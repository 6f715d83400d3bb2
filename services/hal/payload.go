package hal

import (
	"github.com/riot-framework/riot-core/services/hal/protocol"
	"github.com/riot-framework/riot-core/types"
)

// wireValue maps worker replies onto plain bus payloads.
func wireValue(v any) any {
	switch x := v.(type) {
	case types.State:
		return x.String()
	case types.Value:
		return float64(x)
	case types.Steps:
		return int(x)
	case protocol.Result:
		return x.Data
	case protocol.Readings:
		return map[string][]byte(x)
	case protocol.Temperatures:
		out := make(map[string]int32, len(x))
		for rom, t := range x {
			out[rom] = t.MilliC
		}
		return out
	default:
		return v
	}
}

// commandOf turns a control payload into a worker command. Serialised forms
// go through decode; nil samples; anything else is taken as an already
// typed command.
func commandOf(payload any, decode func(types.Command) (any, error)) (any, error) {
	switch payload.(type) {
	case nil:
		return types.Get{}, nil
	case types.Command, *types.Command, []byte, map[string]any, map[any]any:
		c, err := types.ParseCommand(payload)
		if err != nil {
			return nil, err
		}
		return decode(c)
	default:
		return payload, nil
	}
}
