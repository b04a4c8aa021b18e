package activation

import (
	"testing"
)

func envOf(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestReadHandover(t *testing.T) {
	const self = 4242

	tests := []struct {
		name      string
		env       map[string]string
		wantCount int
		wantNames []string
		wantErr   bool
	}{
		{name: "no environment"},
		{name: "different process", env: map[string]string{"LISTEN_PID": "99999", "LISTEN_FDS": "1"}},
		{name: "invalid pid", env: map[string]string{"LISTEN_PID": "not-a-number", "LISTEN_FDS": "1"}, wantErr: true},
		{name: "invalid fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "x"}, wantErr: true},
		{name: "zero fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "0"}},
		{
			name:      "unnamed sockets",
			env:       map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "2"},
			wantCount: 2,
			wantNames: []string{"", ""},
		},
		{
			name:      "named sockets",
			env:       map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "2", "LISTEN_FDNAMES": "metrics:vaultsync"},
			wantCount: 2,
			wantNames: []string{"metrics", "vaultsync"},
		},
		{
			name:    "name count mismatch",
			env:     map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "2", "LISTEN_FDNAMES": "vaultsync"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := readHandover(envOf(tt.env), self)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("readHandover() unexpected error: %v", err)
			}
			if h.count != tt.wantCount {
				t.Errorf("count = %d, want %d", h.count, tt.wantCount)
			}
			if len(h.names) != len(tt.wantNames) {
				t.Fatalf("names = %q, want %q", h.names, tt.wantNames)
			}
			for i := range h.names {
				if h.names[i] != tt.wantNames[i] {
					t.Errorf("names[%d] = %q, want %q", i, h.names[i], tt.wantNames[i])
				}
			}
		})
	}
}

func TestPickPrefersNamedSocket(t *testing.T) {
	tests := []struct {
		names []string
		want  int
	}{
		{names: []string{"", ""}, want: 0},
		{names: []string{"metrics", SocketName}, want: 1},
		{names: []string{"other"}, want: 0},
	}
	for _, tt := range tests {
		sockets := make([]Socket, len(tt.names))
		for i, n := range tt.names {
			sockets[i].Name = n
		}
		if got := pick(sockets, SocketName); got != tt.want {
			t.Errorf("pick(%q) over %q = %d, want %d", SocketName, tt.names, got, tt.want)
		}
	}
}

func TestSocketsWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	sockets, err := Sockets()
	if err != nil {
		t.Fatalf("Sockets() unexpected error: %v", err)
	}
	if sockets != nil {
		t.Errorf("expected no sockets, got %v", sockets)
	}
}

func TestListenFallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, activated, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if activated {
		t.Error("expected a regular listener without socket activation")
	}
	if ln.Addr().Network() != "tcp" {
		t.Errorf("expected tcp listener, got %s", ln.Addr().Network())
	}
}

func TestListenInvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	if _, _, err := Listen("256.0.0.1:bad"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestListenPropagatesActivationErrors(t *testing.T) {
	t.Setenv("LISTEN_PID", "garbage")
	t.Setenv("LISTEN_FDS", "1")

	if _, _, err := Listen("127.0.0.1:0"); err == nil {
		t.Error("expected error for invalid LISTEN_PID")
	}
}
