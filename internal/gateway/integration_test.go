package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"testing"
)

func doJSON(t *testing.T, client *http.Client, method, url, token string, body any, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

// TestWorkspaceSessionWorktreeLifecycle exercises the REST surface end to
// end: create a workspace, log in, create a session against a real local
// git repo, open a worktree, read its diff, and upload/list an attachment.
func TestWorkspaceSessionWorktreeLifecycle(t *testing.T) {
	gw := newTestServer(t)
	httpSrv := newTestHTTPServer(t, gw)
	client := httpSrv.Client()

	var created createWorkspaceResponse
	resp := doJSON(t, client, "POST", httpSrv.URL+"/api/workspaces", "", createWorkspaceRequest{}, &created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create workspace: status %d", resp.StatusCode)
	}
	if created.WorkspaceID == "" || created.WorkspaceSecret == "" {
		t.Fatalf("create workspace response = %+v", created)
	}

	var pair tokenPairResponse
	resp = doJSON(t, client, "POST", httpSrv.URL+"/api/workspaces/login", "",
		loginRequest{WorkspaceID: created.WorkspaceID, WorkspaceSecret: created.WorkspaceSecret}, &pair)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	if pair.AccessToken == "" {
		t.Fatalf("login response = %+v", pair)
	}

	repoPath := initRepo(t)
	var sess sessionResponse
	resp = doJSON(t, client, "POST", httpSrv.URL+"/api/session", pair.AccessToken,
		createSessionRequest{RepoURL: repoPath, Name: "demo"}, &sess)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	if sess.SessionID == "" {
		t.Fatalf("create session response = %+v", sess)
	}

	var wt map[string]any
	resp = doJSON(t, client, "POST", httpSrv.URL+"/api/worktree", pair.AccessToken,
		createWorktreeRequest{SessionID: sess.SessionID, BranchName: "feature-x", CreateBranch: true, Color: "blue"}, &wt)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create worktree: status %d, body %+v", resp.StatusCode, wt)
	}
	worktreeID, _ := wt["worktreeId"].(string)
	if worktreeID == "" {
		t.Fatalf("create worktree response = %+v", wt)
	}

	diffURL := httpSrv.URL + "/api/worktree/" + worktreeID + "/diff?sessionId=" + sess.SessionID
	var diff map[string]string
	resp = doJSON(t, client, "GET", diffURL, pair.AccessToken, nil, &diff)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("worktree diff: status %d", resp.StatusCode)
	}

	// attachment upload + list round trip.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session", sess.SessionID); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte("hello attachment")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("mw.Close: %v", err)
	}

	req, err := http.NewRequest("POST", httpSrv.URL+"/api/attachments/upload", &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("upload attachment: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload attachment: status %d", resp.StatusCode)
	}

	var listed attachmentsListResult
	resp = doJSON(t, client, "GET", httpSrv.URL+"/api/attachments?session="+sess.SessionID, pair.AccessToken, nil, &listed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list attachments: status %d", resp.StatusCode)
	}
	if len(listed.Entries) != 1 || listed.Entries[0].Name != "notes.txt" {
		t.Fatalf("listed attachments = %+v", listed)
	}

	// a second workspace's token must not be able to read the first one's session.
	var other createWorkspaceResponse
	doJSON(t, client, "POST", httpSrv.URL+"/api/workspaces", "", createWorkspaceRequest{}, &other)
	var otherPair tokenPairResponse
	doJSON(t, client, "POST", httpSrv.URL+"/api/workspaces/login", "",
		loginRequest{WorkspaceID: other.WorkspaceID, WorkspaceSecret: other.WorkspaceSecret}, &otherPair)

	resp = doJSON(t, client, "GET", httpSrv.URL+"/api/session/"+sess.SessionID, otherPair.AccessToken, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-workspace session read: status %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

// attachmentsListResult mirrors attachments.ListResult's wire shape.
type attachmentsListResult struct {
	Path     string `json:"path"`
	Entries  []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entries"`
	Truncated bool `json:"truncated"`
}
