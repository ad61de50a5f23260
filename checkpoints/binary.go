package checkpoints

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"google.golang.org/protobuf/encoding/protowire"
)

// The binary format is a protobuf wire-format message preceded by a four byte magic and a
// version byte. Field numbers:
//
//	Checkpoint      1 key, 2 tag, 3 weights (repeated), 4 training_state, 5 optimizer_state, 6 metadata
//	Key             1 run, 2 dataset
//	Tag             1 epoch, 2 early
//	WeightTensor    1 name, 2 shape (packed), 3 data (packed fixed64), 4 layer, 5 type
//	TrainingState   1 epoch, 2 step, 3 learning_rate, 4 loss, 5 accuracy, 6 total_steps
//	OptimizerState  1 type, 2 parameters (repeated {1 name, 2 value}), 3 state_data (repeated)
//	OptimizerTensor 1 name, 2 shape (packed), 3 data (packed fixed64), 4 state_type
//	Metadata        1 version, 2 framework, 3 created_at (unix nanos), 4 description, 5 tags
var binaryMagic = []byte("GATT")

const binaryVersion = 1

// MarshalBinary encodes c in the binary checkpoint format.
func MarshalBinary(c *Checkpoint) []byte {
	b := append([]byte(nil), binaryMagic...)
	b = append(b, binaryVersion)

	b = appendMessage(b, 1, appendKey(nil, c.Key))
	b = appendMessage(b, 2, appendTag(nil, c.Tag))
	for _, w := range c.Weights {
		b = appendMessage(b, 3, appendWeight(nil, w))
	}
	b = appendMessage(b, 4, appendTrainingState(nil, c.TrainingState))
	if c.OptimizerState != nil {
		b = appendMessage(b, 5, appendOptimizerState(nil, c.OptimizerState))
	}
	b = appendMessage(b, 6, appendMetadata(nil, c.Metadata))
	return b
}

// UnmarshalBinary decodes data written by MarshalBinary.
func UnmarshalBinary(data []byte) (*Checkpoint, error) {
	if len(data) < len(binaryMagic)+1 || !bytes.Equal(data[:len(binaryMagic)], binaryMagic) {
		return nil, errors.New("not a binary checkpoint")
	}
	if v := data[len(binaryMagic)]; v != binaryVersion {
		return nil, fmt.Errorf("unsupported binary checkpoint version %d", v)
	}

	c := &Checkpoint{}
	err := consumeFields(data[len(binaryMagic)+1:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var err error
		switch num {
		case 1:
			c.Key, err = consumeKey(msg)
		case 2:
			c.Tag, err = consumeTag(msg)
		case 3:
			var w WeightTensor
			w, err = consumeWeight(msg)
			c.Weights = append(c.Weights, w)
		case 4:
			c.TrainingState, err = consumeTrainingState(msg)
		case 5:
			c.OptimizerState, err = consumeOptimizerState(msg)
		case 6:
			c.Metadata, err = consumeMetadata(msg)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendInts(b []byte, num protowire.Number, vs []int) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	return appendMessage(b, num, packed)
}

func appendDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendKey(b []byte, k Key) []byte {
	b = appendString(b, 1, k.Run)
	return appendString(b, 2, k.Dataset)
}

func appendTag(b []byte, t Tag) []byte {
	b = appendVarint(b, 1, protowire.EncodeZigZag(int64(t.Epoch)))
	return appendVarint(b, 2, protowire.EncodeBool(t.Early))
}

func appendWeight(b []byte, w WeightTensor) []byte {
	b = appendString(b, 1, w.Name)
	b = appendInts(b, 2, w.Shape)
	b = appendDoubles(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	return appendString(b, 5, w.Type)
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendVarint(b, 1, protowire.EncodeZigZag(int64(s.Epoch)))
	b = appendVarint(b, 2, protowire.EncodeZigZag(int64(s.Step)))
	b = appendDouble(b, 3, s.LearningRate)
	b = appendDouble(b, 4, s.Loss)
	b = appendDouble(b, 5, s.Accuracy)
	return appendVarint(b, 6, protowire.EncodeZigZag(int64(s.TotalSteps)))
}

func sortedKeys(m map[string]float64) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func appendOptimizerState(b []byte, s *OptimizerState) []byte {
	b = appendString(b, 1, s.Type)
	for _, name := range sortedKeys(s.Parameters) {
		var entry []byte
		entry = appendString(entry, 1, name)
		entry = appendDouble(entry, 2, s.Parameters[name])
		b = appendMessage(b, 2, entry)
	}
	for _, t := range s.StateData {
		var msg []byte
		msg = appendString(msg, 1, t.Name)
		msg = appendInts(msg, 2, t.Shape)
		msg = appendDoubles(msg, 3, t.Data)
		msg = appendString(msg, 4, t.StateType)
		b = appendMessage(b, 3, msg)
	}
	return b
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, 3, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// consumeFields walks the fields of one message. fn returns the number of bytes it consumed
// from b, or a negative protowire error code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// fieldReader decodes scalar fields into typed setters.
type fieldReader struct {
	strings map[protowire.Number]func(string)
	ints    map[protowire.Number]func(int64)
	doubles map[protowire.Number]func(float64)
	bools   map[protowire.Number]func(bool)
	bytes   map[protowire.Number]func([]byte) error
}

func (r fieldReader) read(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if set, ok := r.strings[num]; ok {
				set(string(v))
			} else if set, ok := r.bytes[num]; ok {
				if err := set(v); err != nil {
					return n, err
				}
			}
			return n, nil
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if set, ok := r.ints[num]; ok {
				set(protowire.DecodeZigZag(v))
			} else if set, ok := r.bools[num]; ok {
				set(protowire.DecodeBool(v))
			}
			return n, nil
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return n, nil
			}
			if set, ok := r.doubles[num]; ok {
				set(math.Float64frombits(v))
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func consumeInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(protowire.DecodeZigZag(v)))
		b = b[n:]
	}
	return out, nil
}

func consumeDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.New("packed double field has a partial element")
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

func consumeKey(b []byte) (Key, error) {
	var k Key
	err := fieldReader{
		strings: map[protowire.Number]func(string){
			1: func(s string) { k.Run = s },
			2: func(s string) { k.Dataset = s },
		},
	}.read(b)
	return k, err
}

func consumeTag(b []byte) (Tag, error) {
	var t Tag
	err := fieldReader{
		ints:  map[protowire.Number]func(int64){1: func(v int64) { t.Epoch = int(v) }},
		bools: map[protowire.Number]func(bool){2: func(v bool) { t.Early = v }},
	}.read(b)
	return t, err
}

func consumeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := fieldReader{
		strings: map[protowire.Number]func(string){
			1: func(s string) { w.Name = s },
			4: func(s string) { w.Layer = s },
			5: func(s string) { w.Type = s },
		},
		bytes: map[protowire.Number]func([]byte) error{
			2: func(v []byte) (err error) { w.Shape, err = consumeInts(v); return },
			3: func(v []byte) (err error) { w.Data, err = consumeDoubles(v); return },
		},
	}.read(b)
	return w, err
}

func consumeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := fieldReader{
		ints: map[protowire.Number]func(int64){
			1: func(v int64) { s.Epoch = int(v) },
			2: func(v int64) { s.Step = int(v) },
			6: func(v int64) { s.TotalSteps = int(v) },
		},
		doubles: map[protowire.Number]func(float64){
			3: func(v float64) { s.LearningRate = v },
			4: func(v float64) { s.Loss = v },
			5: func(v float64) { s.Accuracy = v },
		},
	}.read(b)
	return s, err
}

func consumeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := fieldReader{
		strings: map[protowire.Number]func(string){1: func(v string) { s.Type = v }},
		bytes: map[protowire.Number]func([]byte) error{
			2: func(v []byte) error {
				var name string
				var value float64
				err := fieldReader{
					strings: map[protowire.Number]func(string){1: func(v string) { name = v }},
					doubles: map[protowire.Number]func(float64){2: func(v float64) { value = v }},
				}.read(v)
				s.Parameters[name] = value
				return err
			},
			3: func(v []byte) error {
				var t OptimizerTensor
				err := fieldReader{
					strings: map[protowire.Number]func(string){
						1: func(v string) { t.Name = v },
						4: func(v string) { t.StateType = v },
					},
					bytes: map[protowire.Number]func([]byte) error{
						2: func(v []byte) (err error) { t.Shape, err = consumeInts(v); return },
						3: func(v []byte) (err error) { t.Data, err = consumeDoubles(v); return },
					},
				}.read(v)
				s.StateData = append(s.StateData, t)
				return err
			},
		},
	}.read(b)
	return s, err
}

func consumeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := fieldReader{
		strings: map[protowire.Number]func(string){
			1: func(v string) { m.Version = v },
			2: func(v string) { m.Framework = v },
			4: func(v string) { m.Description = v },
			5: func(v string) { m.Tags = append(m.Tags, v) },
		},
		ints: map[protowire.Number]func(int64){
			3: func(v int64) { m.CreatedAt = time.Unix(0, v).UTC() },
		},
	}.read(b)
	return m, err
}
