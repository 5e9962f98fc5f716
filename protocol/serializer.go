package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/docbase/docsync/model"
)

// msgpack wire forms shared by the document cache, the stream protocol and
// the reference datastore. Encoded document size doubles as the byte
// accounting unit for cache thresholds.

const (
	KindDocument int8 = iota
	KindNoDocument
	KindUnknownDocument
)

const (
	valueNull int8 = iota
	valueBoolean
	valueInteger
	valueDouble
	valueTimestamp
	valueServerTimestamp
	valueString
	valueBytes
	valueReference
	valueGeoPoint
	valueArray
	valueObject
)

type Value struct {
	Kind    int8              `msgpack:"k"`
	Bool    bool              `msgpack:"b,omitempty"`
	Int     int64             `msgpack:"i,omitempty"`
	Double  float64           `msgpack:"d,omitempty"`
	Str     string            `msgpack:"s,omitempty"`
	Bytes   []byte            `msgpack:"y,omitempty"`
	Seconds int64             `msgpack:"ts,omitempty"`
	Nanos   int32             `msgpack:"tn,omitempty"`
	Lat     float64           `msgpack:"la,omitempty"`
	Lng     float64           `msgpack:"lo,omitempty"`
	Array   []*Value          `msgpack:"a,omitempty"`
	Fields  map[string]*Value `msgpack:"f,omitempty"`
	Prev    *Value            `msgpack:"p,omitempty"`
}

type Document struct {
	Kind      int8   `msgpack:"k"`
	Path      string `msgpack:"p"`
	Seconds   int64  `msgpack:"vs"`
	Nanos     int32  `msgpack:"vn"`
	State     int8   `msgpack:"st,omitempty"`
	Committed bool   `msgpack:"cm,omitempty"`
	Value     *Value `msgpack:"v,omitempty"`
}

func EncodeMaybeDocument(doc model.MaybeDocument) ([]byte, error) {
	encoded, err := ToDocumentMessage(doc)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(encoded)
}

func DecodeMaybeDocument(data []byte) (model.MaybeDocument, error) {
	encoded := &Document{}
	if err := msgpack.Unmarshal(data, encoded); err != nil {
		return nil, err
	}
	return FromDocumentMessage(encoded)
}

func ToDocumentMessage(doc model.MaybeDocument) (*Document, error) {
	encoded := &Document{
		Path:    doc.Key().String(),
		Seconds: doc.Version().Timestamp().Seconds,
		Nanos:   doc.Version().Timestamp().Nanos,
	}
	switch d := doc.(type) {
	case *model.Document:
		encoded.Kind = KindDocument
		encoded.State = int8(documentState(d))
		encoded.Value = EncodeValue(d.Data())
	case *model.NoDocument:
		encoded.Kind = KindNoDocument
		encoded.Committed = d.HasCommittedMutations()
	case *model.UnknownDocument:
		encoded.Kind = KindUnknownDocument
	default:
		return nil, fmt.Errorf("cannot encode document type %T", doc)
	}
	return encoded, nil
}

func FromDocumentMessage(encoded *Document) (model.MaybeDocument, error) {
	key := model.DocumentKeyFromString(encoded.Path)
	version := model.NewSnapshotVersion(model.Timestamp{
		Seconds: encoded.Seconds,
		Nanos:   encoded.Nanos,
	})
	switch encoded.Kind {
	case KindDocument:
		value, err := DecodeValue(encoded.Value)
		if err != nil {
			return nil, err
		}
		object, ok := value.(model.ObjectValue)
		if !ok {
			return nil, fmt.Errorf("document contents decoded to %T", value)
		}
		return model.NewDocument(key, version, object, model.DocumentState(encoded.State)), nil
	case KindNoDocument:
		return model.NewNoDocument(key, version, encoded.Committed), nil
	case KindUnknownDocument:
		return model.NewUnknownDocument(key, version), nil
	default:
		return nil, fmt.Errorf("unknown encoded document kind %d", encoded.Kind)
	}
}

func documentState(doc *model.Document) model.DocumentState {
	if doc.HasLocalMutations() {
		return model.DocumentStateLocalMutations
	}
	if doc.HasCommittedMutations() {
		return model.DocumentStateCommittedMutations
	}
	return model.DocumentStateSynced
}

func EncodeValue(value model.FieldValue) *Value {
	switch v := value.(type) {
	case model.NullValue:
		return &Value{Kind: valueNull}
	case model.BooleanValue:
		return &Value{Kind: valueBoolean, Bool: bool(v)}
	case model.IntegerValue:
		return &Value{Kind: valueInteger, Int: int64(v)}
	case model.DoubleValue:
		return &Value{Kind: valueDouble, Double: float64(v)}
	case model.TimestampValue:
		return &Value{Kind: valueTimestamp, Seconds: v.Seconds, Nanos: v.Nanos}
	case model.ServerTimestampValue:
		encoded := &Value{
			Kind:    valueServerTimestamp,
			Seconds: v.LocalWriteTime.Seconds,
			Nanos:   v.LocalWriteTime.Nanos,
		}
		if v.Previous != nil {
			encoded.Prev = EncodeValue(v.Previous)
		}
		return encoded
	case model.StringValue:
		return &Value{Kind: valueString, Str: string(v)}
	case model.BytesValue:
		return &Value{Kind: valueBytes, Bytes: []byte(v)}
	case model.ReferenceValue:
		return &Value{Kind: valueReference, Str: v.Key.String()}
	case model.GeoPointValue:
		return &Value{Kind: valueGeoPoint, Lat: v.Latitude, Lng: v.Longitude}
	case model.ArrayValue:
		elements := make([]*Value, v.Len())
		for i := 0; i < v.Len(); i += 1 {
			elements[i] = EncodeValue(v.Element(i))
		}
		return &Value{Kind: valueArray, Array: elements}
	case model.ObjectValue:
		fields := map[string]*Value{}
		v.Range(func(name string, field model.FieldValue) bool {
			fields[name] = EncodeValue(field)
			return true
		})
		return &Value{Kind: valueObject, Fields: fields}
	default:
		panic(fmt.Sprintf("Cannot encode field value type %T.", value))
	}
}

func DecodeValue(encoded *Value) (model.FieldValue, error) {
	if encoded == nil {
		return nil, fmt.Errorf("missing encoded value")
	}
	switch encoded.Kind {
	case valueNull:
		return model.NullValue{}, nil
	case valueBoolean:
		return model.BooleanValue(encoded.Bool), nil
	case valueInteger:
		return model.IntegerValue(encoded.Int), nil
	case valueDouble:
		return model.DoubleValue(encoded.Double), nil
	case valueTimestamp:
		return model.TimestampValue(model.Timestamp{Seconds: encoded.Seconds, Nanos: encoded.Nanos}), nil
	case valueServerTimestamp:
		value := model.ServerTimestampValue{
			LocalWriteTime: model.Timestamp{Seconds: encoded.Seconds, Nanos: encoded.Nanos},
		}
		if encoded.Prev != nil {
			previous, err := DecodeValue(encoded.Prev)
			if err != nil {
				return nil, err
			}
			value.Previous = previous
		}
		return value, nil
	case valueString:
		return model.StringValue(encoded.Str), nil
	case valueBytes:
		return model.BytesValue(encoded.Bytes), nil
	case valueReference:
		return model.ReferenceValue{Key: model.DocumentKeyFromString(encoded.Str)}, nil
	case valueGeoPoint:
		return model.GeoPointValue{Latitude: encoded.Lat, Longitude: encoded.Lng}, nil
	case valueArray:
		elements := make([]model.FieldValue, len(encoded.Array))
		for i, element := range encoded.Array {
			decoded, err := DecodeValue(element)
			if err != nil {
				return nil, err
			}
			elements[i] = decoded
		}
		return model.NewArrayValue(elements...), nil
	case valueObject:
		object := model.NewObjectValue()
		for name, field := range encoded.Fields {
			decoded, err := DecodeValue(field)
			if err != nil {
				return nil, err
			}
			object = object.Set(model.NewFieldPath(name), decoded)
		}
		return object, nil
	default:
		return nil, fmt.Errorf("unknown encoded value kind %d", encoded.Kind)
	}
}
