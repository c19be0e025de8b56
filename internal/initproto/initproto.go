// Package initproto is the wire format between the process launcher and
// cmd/sandbox-init. The launcher writes one Request to the helper's fd 3;
// the helper reports setup failures as one Status on fd 4, which is
// close-on-exec so a clean exec shows up as EOF.
package initproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	RequestFD = 3
	StatusFD  = 4
)

// Request tells the helper how to prepare the sandbox before exec.
type Request struct {
	Args []string `json:"args"`
	Env  []string `json:"env"`
	Dir  string   `json:"dir"`

	Rlimits []specs.POSIXRlimit `json:"rlimits,omitempty"`

	// UID and GID are applied with setres[ug]id when non-negative.
	UID int `json:"uid"`
	GID int `json:"gid"`

	// PrivateMounts is set when the helper runs in its own mount namespace
	// and may reshape the filesystem view: every host mount becomes
	// read-only and Dir is the only writable host directory.
	PrivateMounts bool `json:"private_mounts"`
	// WorkspaceBase is the directory holding every workspace. It is hidden
	// behind an empty tmpfs so sibling workspaces are unreachable.
	WorkspaceBase string `json:"workspace_base,omitempty"`
	// Tmpfs lists directories hidden behind a fresh size-limited tmpfs.
	Tmpfs     []string `json:"tmpfs,omitempty"`
	TmpfsSize int64    `json:"tmpfs_size,omitempty"`
	// MountProc remounts /proc for the helper's pid namespace.
	MountProc bool `json:"mount_proc"`

	Seccomp *specs.LinuxSeccomp `json:"seccomp,omitempty"`
}

// Status is written by the helper only when it fails before exec.
type Status struct {
	Op       string `json:"op"`
	Message  string `json:"message"`
	NotFound bool   `json:"not_found,omitempty"`
}

func (s *Status) Error() string {
	return fmt.Sprintf("sandbox-init %s: %s", s.Op, s.Message)
}

// Validate checks the fields the helper cannot run without.
func (r *Request) Validate() error {
	if len(r.Args) == 0 || r.Args[0] == "" {
		return errors.New("command is required")
	}
	if r.Dir == "" {
		return errors.New("work dir is required")
	}
	return nil
}

func WriteRequest(w io.Writer, r *Request) error {
	if err := json.NewEncoder(w).Encode(r); err != nil {
		return fmt.Errorf("encode init request: %w", err)
	}
	return nil
}

func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode init request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func WriteStatus(w io.Writer, s *Status) error {
	return json.NewEncoder(w).Encode(s)
}

// ReadStatus blocks until the helper execs or fails. It returns nil on
// EOF with no payload; a helper killed before exec also looks like that,
// and the caller learns about it from Wait.
func ReadStatus(r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return fmt.Errorf("read init status: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode init status: %w", err)
	}
	return &s
}
