package storage

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

// Field values are stored as tagged scalars so their Go type survives
// the round trip (int64 stays int64, timestamps stay time.Time).
const (
	kindNull uint8 = iota
	kindString
	kindInt
	kindFloat
	kindBool
	kindTime
)

type storedValue struct {
	Kind uint8   `cbor:"k"`
	S    string  `cbor:"s,omitempty"`
	I    int64   `cbor:"i,omitempty"`
	F    float64 `cbor:"f,omitempty"`
	B    bool    `cbor:"b,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding: same fields, same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeFields(fields domain.Fields) ([]byte, error) {
	stored := make(map[string]storedValue, len(fields))
	for name, v := range fields {
		var sv storedValue
		switch x := v.(type) {
		case nil:
			sv.Kind = kindNull
		case string:
			sv = storedValue{Kind: kindString, S: x}
		case int64:
			sv = storedValue{Kind: kindInt, I: x}
		case float64:
			sv = storedValue{Kind: kindFloat, F: x}
		case bool:
			sv = storedValue{Kind: kindBool, B: x}
		case time.Time:
			sv = storedValue{Kind: kindTime, I: x.UnixNano()}
		default:
			return nil, fmt.Errorf("encode field %q: unsupported type %T", name, v)
		}
		stored[name] = sv
	}
	return encMode.Marshal(stored)
}

func decodeFields(data []byte) (domain.Fields, error) {
	var stored map[string]storedValue
	if err := decMode.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	fields := make(domain.Fields, len(stored))
	for name, sv := range stored {
		switch sv.Kind {
		case kindNull:
			fields[name] = nil
		case kindString:
			fields[name] = sv.S
		case kindInt:
			fields[name] = sv.I
		case kindFloat:
			fields[name] = sv.F
		case kindBool:
			fields[name] = sv.B
		case kindTime:
			fields[name] = time.Unix(0, sv.I).UTC()
		default:
			return nil, fmt.Errorf("decode field %q: unknown kind %d", name, sv.Kind)
		}
	}
	return fields, nil
}
