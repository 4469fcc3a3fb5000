package graph

import (
	"errors"
	"strings"
	"testing"
)

func registerTestClasses(t *testing.T) {
	t.Helper()
	// The registry is process-wide; tolerate re-registration across tests.
	err := RegisterNodeClass("test-source", func(cfg string) (Node, error) {
		return newTestSourceNode([]uint32{0}, 1), nil
	})
	if err != nil && !errors.Is(err, ErrDuplicatedID) {
		t.Fatal(err)
	}
	err = RegisterNodeClass("test-sink", func(cfg string) (Node, error) {
		return newTestSinkNode(BatchingConfig{}, 1), nil
	})
	if err != nil && !errors.Is(err, ErrDuplicatedID) {
		t.Fatal(err)
	}
}

func TestTopologyRoundTrip(t *testing.T) {
	registerTestClasses(t)

	p := NewPipeline()
	src := newTestSourceNode([]uint32{3}, 1)
	sink := newTestSinkNode(BatchingConfig{}, 1)
	if err := p.SetSource(src, "src", []uint32{3}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddNode(sink, "sink"); err != nil {
		t.Fatal(err)
	}
	if err := p.LinkNode("src", 0, "sink", 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.SetNodeQueueSize("sink", 0, 64); err != nil {
		t.Fatal(err)
	}

	data, err := p.SerializeTopology()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"test-source"`, `"test-sink"`, `"from": "src"`, `"to": "sink"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("serialized topology missing %s:\n%s", want, data)
		}
	}

	p2, err := ParseTopology(data)
	if err != nil {
		t.Fatalf("parse topology: %v", err)
	}
	reserialized, err := p2.SerializeTopology()
	if err != nil {
		t.Fatal(err)
	}
	if string(reserialized) != string(data) {
		t.Errorf("topology did not round-trip:\n%s\nvs\n%s", data, reserialized)
	}
}

func TestParseTopologyUnknownClass(t *testing.T) {
	_, err := ParseTopology([]byte(`{"nodes":[{"name":"x","class":"no-such-class"}],"links":[]}`))
	if !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("got %v, want node-not-found", err)
	}
}

func TestNewNodeByClass(t *testing.T) {
	registerTestClasses(t)
	n, err := NewNodeByClass("test-source", "")
	if err != nil {
		t.Fatal(err)
	}
	if n.Kind() != "test-source" {
		t.Errorf("kind = %q", n.Kind())
	}
	if _, err := NewNodeByClass("absent", ""); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("unknown class: got %v", err)
	}
}
