package chainlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToProtoRecord converts Record to protobuf message. Details travel as their
// canonical JSON text so numbers keep their exact literal form and the
// record still verifies after a round trip.
func ToProtoRecord(r Record) (*structpb.Struct, error) {
	details := string(r.Details)
	if details == "" {
		details = "{}"
	}
	s, err := structpb.NewStruct(map[string]any{
		fieldTimestamp: r.Timestamp,
		fieldEvent:     r.Event,
		fieldDetails:   details,
		fieldPrevHash:  r.PrevHash,
		fieldChainHash: r.ChainHash,
	})
	if err != nil {
		return nil, fmt.Errorf("build record struct: %w", err)
	}
	return s, nil
}

// FromProtoRecord converts protobuf message to Record
func FromProtoRecord(p *structpb.Struct) (Record, error) {
	var r Record
	if p == nil {
		return r, fmt.Errorf("%w: nil record", ErrMalformed)
	}
	get := func(name string) (string, error) {
		v, ok := p.GetFields()[name]
		if !ok {
			return "", fmt.Errorf("%w: missing field %q", ErrMalformed, name)
		}
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return "", fmt.Errorf("%w: field %q is not a string", ErrMalformed, name)
		}
		return s.StringValue, nil
	}

	var err error
	if r.Timestamp, err = get(fieldTimestamp); err != nil {
		return r, err
	}
	if r.Event, err = get(fieldEvent); err != nil {
		return r, err
	}
	details, err := get(fieldDetails)
	if err != nil {
		return r, err
	}
	if !json.Valid([]byte(details)) {
		return r, fmt.Errorf("%w: details is not JSON", ErrMalformed)
	}
	r.Details = json.RawMessage(details)
	if r.PrevHash, err = get(fieldPrevHash); err != nil {
		return r, err
	}
	if r.ChainHash, err = get(fieldChainHash); err != nil {
		return r, err
	}
	return r, nil
}

// ToProtoRecords converts records into a ListValue of record structs.
func ToProtoRecords(records []Record) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(records))}
	for i, r := range records {
		s, err := ToProtoRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

// FromProtoRecords converts a ListValue of record structs back to records.
func FromProtoRecords(list *structpb.ListValue) ([]Record, error) {
	out := make([]Record, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		r, err := FromProtoRecord(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ExportProto streams every record of store to w as size-delimited protobuf
// messages and returns how many were written.
func ExportProto(w io.Writer, store Store) (int, error) {
	ch, done, err := store.Iter()
	if err != nil {
		return 0, err
	}
	n := 0
	for r := range ch {
		msg, err := ToProtoRecord(r)
		if err != nil {
			_ = done()
			return n, fmt.Errorf("record %d: %w", n, err)
		}
		if _, err := protodelim.MarshalTo(w, msg); err != nil {
			_ = done()
			return n, fmt.Errorf("write record %d: %w", n, err)
		}
		n++
	}
	if err := done(); err != nil {
		return n, err
	}
	return n, nil
}

// ImportProto reads a stream written by ExportProto.
func ImportProto(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	var out []Record
	for {
		msg := &structpb.Struct{}
		if err := protodelim.UnmarshalFrom(br, msg); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("%w: read record %d: %v", ErrMalformed, len(out), err)
		}
		rec, err := FromProtoRecord(msg)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
