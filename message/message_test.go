package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestEnvelopeWireShape(t *testing.T) {
	arg, err := EncodeValue(5)
	require.NoError(t, err)
	res := Named("counter")
	req := &Envelope{
		Type:          TypeInvoke,
		CorrelationID: "c-1",
		TargetClass:   "Counter",
		Resolution:    &res,
		Selector:      "incrementBy:",
		Arguments:     []Value{arg},
		ReturnTypeTag: TagVoid,
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "invoke", raw["type"])
	assert.Equal(t, "c-1", raw["correlationId"])
	assert.Equal(t, map[string]any{"named": "counter"}, raw["resolution"])
	assert.Equal(t, []any{map[string]any{"typeTag": "int", "value": float64(5)}}, raw["arguments"])
	assert.NotContains(t, raw, "kind")
	assert.NotContains(t, raw, "value")
}

func TestEnvelopeValidate(t *testing.T) {
	named := Named("counter")
	accessor := Accessor("sharedInstance")
	both := Resolution{Named: "a", Accessor: "b"}

	testCases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "named",
			env:  Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "value", Resolution: &named},
		},
		{
			name: "accessor with class",
			env:  Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "now", TargetClass: "Clock", Resolution: &accessor},
		},
		{
			name:    "accessor without class",
			env:     Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "now", Resolution: &accessor},
			wantErr: true,
		},
		{
			name:    "both variants",
			env:     Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "now", TargetClass: "Clock", Resolution: &both},
			wantErr: true,
		},
		{
			name:    "no resolution",
			env:     Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "value"},
			wantErr: true,
		},
		{
			name:    "missing correlation id",
			env:     Envelope{Type: TypeResult},
			wantErr: true,
		},
		{
			name:    "unknown type",
			env:     Envelope{Type: "ping", CorrelationID: "1"},
			wantErr: true,
		},
		{
			name:    "bad argument tag",
			env:     Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "value", Resolution: &named, Arguments: []Value{{Tag: "complex"}}},
			wantErr: true,
		},
		{
			name:    "incompatible version",
			env:     Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "value", Resolution: &named, Version: "2.0.0"},
			wantErr: true,
		},
		{
			name: "compatible version",
			env:  Envelope{Type: TypeInvoke, CorrelationID: "1", Selector: "value", Resolution: &named, Version: "1.4.2"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrDecode)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []any{
		true, int64(-42), uint32(7), 3.25, "hello", []byte{0, 1, 2},
		[]string{"a", "b"}, map[string]int{"k": 1}, point{X: 1, Y: 2},
	}

	for _, in := range values {
		t.Run(fmt.Sprintf("%T", in), func(t *testing.T) {
			v, err := EncodeValue(in)
			require.NoError(t, err)

			data, err := json.Marshal(v)
			require.NoError(t, err)
			var wire Value
			require.NoError(t, json.Unmarshal(data, &wire))

			out := reflect.New(reflect.TypeOf(in))
			require.NoError(t, DecodeValue(wire, out.Interface()))
			assert.Equal(t, in, out.Elem().Interface())
		})
	}
}

func TestTimeValue(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	v, err := EncodeValue(now)
	require.NoError(t, err)
	assert.Equal(t, TagTime, v.Tag)

	var got time.Time
	require.NoError(t, DecodeValue(v, &got))
	assert.True(t, now.Equal(got))

	canonical, err := v.Any()
	require.NoError(t, err)
	assert.True(t, now.Equal(canonical.(time.Time)))
}

func TestDecodeValueRejectsMismatchedTag(t *testing.T) {
	v, err := EncodeValue("five")
	require.NoError(t, err)

	var n int
	assert.Error(t, DecodeValue(v, &n))

	f, err := EncodeValue(2.5)
	require.NoError(t, err)
	assert.Error(t, DecodeValue(f, &n), "fractional float must not truncate into int")

	i, err := EncodeValue(9)
	require.NoError(t, err)
	var x float64
	require.NoError(t, DecodeValue(i, &x))
	assert.Equal(t, 9.0, x)
}

func TestValueAny(t *testing.T) {
	testCases := []struct {
		in   any
		want any
	}{
		{in: 3, want: int64(3)},
		{in: uint8(3), want: uint64(3)},
		{in: "s", want: "s"},
		{in: nil, want: nil},
		{in: []int{1, 2}, want: []any{float64(1), float64(2)}},
		{in: point{X: 1}, want: map[string]any{"x": float64(1), "y": float64(0)}},
	}
	for _, tc := range testCases {
		v, err := EncodeValue(tc.in)
		require.NoError(t, err)
		got, err := v.Any()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestEncodeValueUnsupported(t *testing.T) {
	_, err := EncodeValue(make(chan int))
	assert.Error(t, err)

	var p *point
	v, err := EncodeValue(p)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("call: %w", Errorf(KindNotFound, "no object named %q", "ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnknownClass)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))

	reply := NewError("c-9", err)
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, KindNotFound, reply.Kind)
	assert.Equal(t, `no object named "ghost"`, reply.Message)

	back := reply.Err()
	assert.ErrorIs(t, back, ErrNotFound)
	assert.Equal(t, `NotFound: no object named "ghost"`, back.Error())

	plain := NewError("c-10", errors.New("boom"))
	assert.Equal(t, KindTargetInvocationFailed, plain.Kind)
}
