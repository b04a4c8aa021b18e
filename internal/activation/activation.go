// Package activation provides the listener for the status and webhook
// server, preferring a socket handed over by the service manager.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// SocketName is the FileDescriptorName the vaultsync socket unit is expected
// to use. Unnamed sockets are accepted as well.
const SocketName = "vaultsync"

// firstFD is where the service manager starts passing descriptors.
const firstFD = 3

// Socket is an inherited listening socket and the name it was passed under.
type Socket struct {
	Name     string
	Listener net.Listener
}

// handover describes the descriptors announced in the environment.
type handover struct {
	count int
	names []string
}

// readHandover parses LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES. A zero
// count means the process was not socket activated.
func readHandover(getenv func(string) string, pid int) (handover, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return handover{}, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return handover{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return handover{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return handover{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return handover{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return handover{}, nil
	}

	h := handover{count: count, names: make([]string, count)}
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names := strings.Split(raw, ":")
		if len(names) != count {
			return handover{}, fmt.Errorf("LISTEN_FDNAMES lists %d names for %d sockets", len(names), count)
		}
		copy(h.names, names)
	}
	return h, nil
}

// pick returns the index of the socket to serve on: the one named name, or
// the first socket when none carries that name.
func pick(sockets []Socket, name string) int {
	for i, s := range sockets {
		if s.Name == name {
			return i
		}
	}
	return 0
}

// Sockets returns the listening sockets passed to this process, or nil when
// it was not socket activated. The activation variables are removed from the
// environment so child processes such as git do not inherit them.
func Sockets() ([]Socket, error) {
	h, err := readHandover(os.Getenv, os.Getpid())
	if err != nil || h.count == 0 {
		return nil, err
	}

	sockets := make([]Socket, 0, h.count)
	for i := range h.count {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("activated-socket-%d", i))
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}
		ln, err := net.FileListener(file)
		// FileListener dups the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: h.names[i], Listener: ln})
	}

	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = os.Unsetenv(key)
	}
	return sockets, nil
}

// Listen returns the activated socket named SocketName (or the first one),
// or a new TCP listener on addr when the process was not socket activated.
// Activated sockets that are not served are closed. The boolean reports
// whether the listener was inherited.
func Listen(addr string) (net.Listener, bool, error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, err
	}
	if len(sockets) > 0 {
		chosen := pick(sockets, SocketName)
		for i, s := range sockets {
			if i != chosen {
				_ = s.Listener.Close()
			}
		}
		return sockets[chosen].Listener, true, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
