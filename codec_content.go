// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coap

import (
	"fmt"
	"reflect"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ContentCodec converts a handler's Go value to and from the wire bytes of
// one Content-Format: the dispatcher needs encode/decode, not a streaming
// io.Writer wrapper.
type ContentCodec interface {
	Format() MediaType
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, out interface{}) error
}

type jsonCodec struct{}

func (jsonCodec) Format() MediaType                  { return AppJSON }
func (jsonCodec) Encode(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Decode(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

type cborCodec struct{}

func (cborCodec) Format() MediaType { return AppCBOR }

func (cborCodec) Encode(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Decode(data []byte, out interface{}) error {
	return cbor.Unmarshal(data, out)
}

// codecs indexes the codecs this module ships by Content-Format number.
var codecs = map[MediaType]ContentCodec{
	AppJSON: jsonCodec{},
	AppCBOR: cborCodec{},
}

// CodecFor returns the codec registered for format, or (nil, false) if none
// applies - the dispatcher then falls back to application/json.
func CodecFor(format MediaType) (ContentCodec, bool) {
	c, ok := codecs[format]
	return c, ok
}

// ConvertContentFormat re-encodes data from one registered content-format to
// another, for delivering a notification in the format a subscriber asked
// for (Accept) when it differs from the format the value was produced in.
// It only knows the JSON/CBOR pair; any other combination is an error.
func ConvertContentFormat(data []byte, from, to MediaType) ([]byte, error) {
	switch {
	case from == to:
		return data, nil
	case from == AppJSON && to == AppCBOR:
		return jsonToCBOR(data)
	case from == AppCBOR && to == AppJSON:
		return cborToJSON(data)
	default:
		return nil, fmt.Errorf("coap: no conversion from content-format %d to %d", from, to)
	}
}

// jsonToCBOR re-encodes a JSON document as CBOR, translating JSON's
// map[string]interface{} into CBOR's map[interface{}]interface{} as
// needed. Used when a request arrives as JSON but a handler, or a
// downstream subscriber, wants CBOR.
func jsonToCBOR(data []byte) ([]byte, error) {
	var intermediate interface{}
	if err := json.Unmarshal(data, &intermediate); err != nil {
		return nil, fmt.Errorf("jsonToCBOR: unmarshalling json: %w", err)
	}
	return cbor.Marshal(jsonInterfaceToCBORInterface(intermediate))
}

// cborToJSON re-encodes a CBOR document as JSON, translating CBOR's
// map[interface{}]interface{} into JSON's map[string]interface{}.
func cborToJSON(data []byte) ([]byte, error) {
	var intermediate interface{}
	if err := cbor.Unmarshal(data, &intermediate); err != nil {
		return nil, fmt.Errorf("cborToJSON: unmarshalling cbor: %w", err)
	}
	return json.Marshal(cborInterfaceToJSONInterface(intermediate))
}

func jsonInterfaceToCBORInterface(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t := reflect.ValueOf(v).Type().Kind(); t {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, el := range arr {
			arr[i] = jsonInterfaceToCBORInterface(el)
		}
		return arr
	case reflect.Map:
		m := v.(map[string]interface{})
		out := make(map[interface{}]interface{}, len(m))
		for k, val := range m {
			out[k] = jsonInterfaceToCBORInterface(val)
		}
		return out
	default:
		return v
	}
}

func cborInterfaceToJSONInterface(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch reflect.ValueOf(v).Type().Kind() {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, el := range arr {
			arr[i] = cborInterfaceToJSONInterface(el)
		}
		return arr
	case reflect.Map:
		m := v.(map[interface{}]interface{})
		out := make(map[string]interface{}, len(m))
		var keys []string
		keyed := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks := fmt.Sprintf("%v", k)
			keys = append(keys, ks)
			keyed[ks] = val
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = cborInterfaceToJSONInterface(keyed[k])
		}
		return out
	default:
		return v
	}
}
