package api

import (
	"encoding/json"
	"testing"
	"time"

	"safe-code-runner/internal/sandbox"
)

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 10 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `"10s"`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"1m"`, time.Minute, false},
		{`5`, 5 * time.Second, false},
		{`1.5`, 1500 * time.Millisecond, false},
		{`null`, 0, false},
		{`"not-a-duration"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestNewRunResponse(t *testing.T) {
	tests := []struct {
		name       string
		res        sandbox.ExecutionResult
		wantOutput string
		wantWait   string
	}{
		{
			name:       "stdout wins",
			res:        sandbox.ExecutionResult{Stdout: "out", Stderr: "err"},
			wantOutput: "out",
		},
		{
			name:       "stderr fallback",
			res:        sandbox.ExecutionResult{Stderr: "Traceback"},
			wantOutput: "Traceback",
		},
		{
			name:       "queue wait reported",
			res:        sandbox.ExecutionResult{Stdout: "x", QueueWait: 1234567 * time.Microsecond},
			wantOutput: "x",
			wantWait:   "1.235s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := newRunResponse(&tt.res)
			if resp.Output != tt.wantOutput {
				t.Errorf("Output = %q, want %q", resp.Output, tt.wantOutput)
			}
			if resp.QueueWait != tt.wantWait {
				t.Errorf("QueueWait = %q, want %q", resp.QueueWait, tt.wantWait)
			}
		})
	}
}

func TestRunResponse_NullExitCode(t *testing.T) {
	b, err := json.Marshal(newRunResponse(&sandbox.ExecutionResult{Status: sandbox.StatusTimedOut, TimedOut: true}))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	v, ok := raw["exit_code"]
	if !ok || v != nil {
		t.Errorf("exit_code = %v (present=%v), want explicit null", v, ok)
	}
	if raw["timed_out"] != true {
		t.Errorf("timed_out = %v, want true", raw["timed_out"])
	}
}
