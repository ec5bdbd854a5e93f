package fly

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   string
}

func newTestServer(t *testing.T, status int, response string) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{method: r.Method, path: r.URL.EscapedPath(), auth: r.Header.Get("Authorization"), body: string(b)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client()), &calls
}

var target = Target{App: "agents-app", Token: "fly-token"}

func TestCreateVolume_SendsSnapshotAndAuth(t *testing.T) {
	c, calls := newTestServer(t, http.StatusOK, `{"id":"vol_1","name":"agent_u"}`)
	v, err := c.CreateVolume(context.Background(), target, VolumeRequest{Name: "agent_u", Region: "iad", SizeGB: 1, SnapshotID: "vs_9"})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if v.ID != "vol_1" {
		t.Fatalf("volume id = %q", v.ID)
	}
	got := (*calls)[0]
	if got.method != http.MethodPost || got.path != "/apps/agents-app/volumes" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.auth != "Bearer fly-token" {
		t.Fatalf("auth header = %q", got.auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(got.body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["snapshot_id"] != "vs_9" || body["size_gb"] != float64(1) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCreateVolume_OmitsEmptySnapshot(t *testing.T) {
	c, calls := newTestServer(t, http.StatusOK, `{"id":"vol_1"}`)
	if _, err := c.CreateVolume(context.Background(), target, VolumeRequest{Name: "n", Region: "iad", SizeGB: 1}); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if strings.Contains((*calls)[0].body, "snapshot_id") {
		t.Fatalf("snapshot_id must be omitted: %s", (*calls)[0].body)
	}
}

func TestCreateMachine_Config(t *testing.T) {
	c, calls := newTestServer(t, http.StatusOK, `{"id":"m_1","state":"created"}`)
	cfg := DefaultMachineConfig("img:1", 2048, "vol_1", map[string]string{"USER_ID": "u1"})
	m, err := c.CreateMachine(context.Background(), target, "iad", cfg)
	if err != nil || m.ID != "m_1" {
		t.Fatalf("CreateMachine: %v %+v", err, m)
	}
	var body createMachineRequest
	if err := json.Unmarshal([]byte((*calls)[0].body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Region != "iad" || body.Config.Mounts[0].Volume != "vol_1" || body.Config.Mounts[0].Path != "/data" {
		t.Fatalf("unexpected mounts %+v", body.Config.Mounts)
	}
	svc := body.Config.Services[0]
	if svc.InternalPort != 3000 || svc.Ports[0].Port != 443 || svc.Autostop || !svc.Autostart {
		t.Fatalf("unexpected service %+v", svc)
	}
	if body.Config.Guest.MemoryMB != 2048 || body.Config.Restart.Policy != "always" {
		t.Fatalf("unexpected guest/restart %+v %+v", body.Config.Guest, body.Config.Restart)
	}
}

func TestNoContentIsSuccess(t *testing.T) {
	c, calls := newTestServer(t, http.StatusNoContent, "")
	if err := c.DeleteMachine(context.Background(), target, "m_1"); err != nil {
		t.Fatalf("DeleteMachine: %v", err)
	}
	if (*calls)[0].method != http.MethodDelete || (*calls)[0].path != "/apps/agents-app/machines/m_1" {
		t.Fatalf("unexpected request %+v", (*calls)[0])
	}
}

func TestNon2xxIsProviderError(t *testing.T) {
	c, _ := newTestServer(t, http.StatusUnprocessableEntity, `{"error":"volume is mounted"}`)
	err := c.DeleteVolume(context.Background(), target, "vol_1")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.StatusCode != 422 || !strings.Contains(pe.Body, "volume is mounted") || pe.Method != http.MethodDelete {
		t.Fatalf("unexpected error %+v", pe)
	}
	if IsNotFound(err) {
		t.Fatalf("422 is not a not-found")
	}
}

func TestIsNotFound(t *testing.T) {
	c, _ := newTestServer(t, http.StatusNotFound, `{"error":"not found"}`)
	err := c.StopMachine(context.Background(), target, "gone")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateVolumeSnapshot_Normalizes(t *testing.T) {
	for name, tc := range map[string]struct {
		status int
		body   string
		want   string
	}{
		"flat":     {http.StatusOK, `{"id":"vs_1"}`, "vs_1"},
		"nested":   {http.StatusOK, `{"snapshot":{"id":"vs_2"}}`, "vs_2"},
		"empty":    {http.StatusOK, `{}`, ""},
		"accepted": {http.StatusNoContent, ``, ""},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestServer(t, tc.status, tc.body)
			snap, err := c.CreateVolumeSnapshot(context.Background(), target, "vol_1")
			if err != nil {
				t.Fatalf("CreateVolumeSnapshot: %v", err)
			}
			if snap.ID != tc.want {
				t.Fatalf("id = %q, want %q", snap.ID, tc.want)
			}
		})
	}
}

func TestExec(t *testing.T) {
	c, calls := newTestServer(t, http.StatusOK, `{"exit_code":1,"stdout":"","stderr":"bad code"}`)
	res, err := c.Exec(context.Background(), target, "m_1", []string{"sh", "-lc", "true"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 1 || res.Stderr != "bad code" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains((*calls)[0].body, `"command":["sh","-lc","true"]`) {
		t.Fatalf("unexpected body %s", (*calls)[0].body)
	}
}
