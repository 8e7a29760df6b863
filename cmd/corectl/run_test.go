package main

import "testing"

func TestParseIDMappingsSingle(t *testing.T) {
	got, err := parseIDMappings("0:1000:1")
	if err != nil {
		t.Fatalf("parseIDMappings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d mappings, want 1", len(got))
	}
	m := got[0]
	if m.ContainerID != 0 || m.HostID != 1000 || m.Length != 1 {
		t.Fatalf("mapping = %+v, want 0:1000:1", m)
	}
}

func TestParseIDMappingsMultiple(t *testing.T) {
	got, err := parseIDMappings("0:1000:1,1:100000:65536")
	if err != nil {
		t.Fatalf("parseIDMappings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d mappings, want 2", len(got))
	}
	if got[1].HostID != 100000 || got[1].Length != 65536 {
		t.Fatalf("second mapping = %+v, want 1:100000:65536", got[1])
	}
}

func TestParseIDMappingsMalformed(t *testing.T) {
	for _, bad := range []string{"0:1000", "a:b:c", "0:1000:1:9"} {
		if _, err := parseIDMappings(bad); err == nil {
			t.Errorf("parseIDMappings(%q) returned nil error, want one", bad)
		}
	}
}
