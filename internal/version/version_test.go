package version

import "testing"

func TestInfoString(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{info: Info{Version: "dev"}, want: "dev"},
		{info: Info{Version: "v1.2.0", Commit: "abc123"}, want: "v1.2.0 (abc123)"},
		{info: Info{Version: "v1.2.0", Commit: "abc123", BuildTime: "2024-05-01"}, want: "v1.2.0 (abc123, 2024-05-01)"},
	}

	for _, tc := range tests {
		if got := tc.info.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestSetDefaultsVersion(t *testing.T) {
	prev := Current()
	t.Cleanup(func() { Set(prev) })

	Set(Info{Commit: "abc123"})
	if got := Current().Version; got != "dev" {
		t.Fatalf("expected empty version to default to dev, got %q", got)
	}
	if got := String(); got != "dev (abc123)" {
		t.Fatalf("unexpected String() %q", got)
	}
}
