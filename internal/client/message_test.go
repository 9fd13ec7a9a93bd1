package client

import (
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantID    string
		wantText  string
		wantData  string
		malformed bool
	}{
		{"string message", `{"identifier":"1.2.3.4:5","message":"ping"}`, "1.2.3.4:5", "ping", `{"identifier":"1.2.3.4:5","message":"ping"}`, false},
		{"object message", `{"identifier":"a","message":{"x":1}}`, "a", `{"x":1}`, `{"identifier":"a","message":{"x":1}}`, false},
		{"missing identifier", `{"message":[1,2]}`, "", `[1,2]`, `{"message":[1,2]}`, false},
		{"plain object", `{"x":1}`, "", `{"x":1}`, `{"x":1}`, false},
		{"identifier only", `{"identifier":"a"}`, "", `{"identifier":"a"}`, `{"identifier":"a"}`, false},
		{"json string", `"hello"`, "", "hello", `"hello"`, false},
		{"json array", `[1,"two"]`, "", `[1,"two"]`, `[1,"two"]`, false},
		{"json number", `42`, "", "42", "42", false},
		{"json null", `null`, "", "null", "null", false},
		{"surrounding space", " {\"x\":2}\n", "", `{"x":2}`, `{"x":2}`, false},
		{"plain text", `hello there`, "", "hello there", `"hello there"`, true},
		{"truncated object", `{"identifier":"a",`, "", `{"identifier":"a",`, `"{\"identifier\":\"a\","`, true},
		{"empty", ``, "", "", `""`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Decode([]byte(tt.raw))

			if msg.Identifier != tt.wantID {
				t.Errorf("Identifier = %q, want %q", msg.Identifier, tt.wantID)
			}
			if msg.Text() != tt.wantText {
				t.Errorf("Text() = %q, want %q", msg.Text(), tt.wantText)
			}
			if string(msg.Data) != tt.wantData {
				t.Errorf("Data = %s, want %s", msg.Data, tt.wantData)
			}
			if msg.Malformed != tt.malformed {
				t.Errorf("Malformed = %v, want %v", msg.Malformed, tt.malformed)
			}
			if string(msg.Raw) != tt.raw {
				t.Errorf("Raw = %q, want %q", msg.Raw, tt.raw)
			}
		})
	}
}

func TestMessage_Unmarshal(t *testing.T) {
	msg := Decode([]byte(`{"identifier":"a","message":{"x":3,"y":4}}`))

	var pos struct{ X, Y int }
	if err := msg.Unmarshal(&pos); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if pos.X != 3 || pos.Y != 4 {
		t.Errorf("pos = %+v", pos)
	}
}

func TestMessage_UnmarshalData(t *testing.T) {
	msg := Decode([]byte(`{"kind":"move","x":3}`))

	var move struct {
		Kind string
		X    int
	}
	if err := msg.UnmarshalData(&move); err != nil {
		t.Fatalf("UnmarshalData() error = %v", err)
	}
	if move.Kind != "move" || move.X != 3 {
		t.Errorf("move = %+v", move)
	}
}
