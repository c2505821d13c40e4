package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDecodeRunCommandRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"minimal", `{"command":"echo hi"}`, false},
		{"full", `{"command":"ls","cwd":"/tmp","background":true,"envs":{"A":"1"},"timeout_ms":500,"tty":true}`, false},
		{"missing command", `{"cwd":"/tmp"}`, true},
		{"empty command", `{"command":""}`, true},
		{"unknown field", `{"command":"ls","shell":"zsh"}`, true},
		{"negative timeout", `{"command":"ls","timeout_ms":-1}`, true},
		{"bad env name", `{"command":"ls","envs":{"A=B":"1"}}`, true},
		{"not json", `command=ls`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRunCommandRequest(strings.NewReader(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && req.Command == "" {
				t.Error("decoded request has no command")
			}
		})
	}
}

func TestRunCommandRequestTimeout(t *testing.T) {
	req := RunCommandRequest{Command: "x", TimeoutMs: 1500}
	if req.Timeout() != 1500*time.Millisecond {
		t.Errorf("Timeout() = %s", req.Timeout())
	}
}

func TestServerStreamEventJSON(t *testing.T) {
	ev := ServerStreamEvent{
		Type:   StreamEventTypeError,
		Cursor: 12,
		Error:  &ErrorOutput{EName: "CommandExecError", EValue: "2", Traceback: []string{"exit status 2"}},
	}
	var got map[string]any
	if err := json.Unmarshal(ev.ToJSON(), &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "error" || got["cursor"] != float64(12) {
		t.Errorf("event JSON = %v", got)
	}
	errObj, _ := got["error"].(map[string]any)
	if errObj["ename"] != "CommandExecError" || errObj["evalue"] != "2" {
		t.Errorf("error JSON = %v", errObj)
	}
	if _, ok := got["text"]; ok {
		t.Error("empty text should be omitted")
	}
}

func TestCommandStatusResponseExitCode(t *testing.T) {
	running, _ := json.Marshal(CommandStatusResponse{ID: "a", Running: true})
	if strings.Contains(string(running), "exit_code") {
		t.Errorf("running status carries exit_code: %s", running)
	}

	zero := 0
	done, _ := json.Marshal(CommandStatusResponse{ID: "a", ExitCode: &zero})
	if !strings.Contains(string(done), `"exit_code":0`) {
		t.Errorf("exited status lost exit_code 0: %s", done)
	}
}
