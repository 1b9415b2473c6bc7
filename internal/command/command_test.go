package command

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEncodeWireShapes(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		want map[string]any
	}{
		{"list", ListProjects{}, map[string]any{"command": "list_projects"}},
		{"join", Join{State: StateJoin, Source: "u1"}, map[string]any{"command": "join", "state": "join", "source": "u1"}},
		{"leave", Leave("u1"), map[string]any{"command": "join", "state": "leave", "source": "u1"}},
		{"start", Start{Source: "u1"}, map[string]any{"command": "start", "source": "u1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.cmd)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("wire = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	for _, c := range []Command{
		Join{State: "maybe", Source: "u"},
		Join{State: StateJoin},
		Start{Source: "  "},
		nil,
	} {
		if _, err := Encode(c); err == nil {
			t.Fatalf("expected error for %#v", c)
		}
	}
}

func TestDecode(t *testing.T) {
	c, err := Decode([]byte(`{"command":"join","state":"leave","source":"u9"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c != (Join{State: StateLeave, Source: "u9"}) {
		t.Fatalf("decoded %#v", c)
	}
	if _, err := Decode([]byte(`{"command":"explode"}`)); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if _, err := Decode([]byte(`{"command":"start"}`)); err == nil {
		t.Fatalf("expected missing source error")
	}
}
