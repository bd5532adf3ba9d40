package streamtape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mirrorq/internal/domain"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAPI keeps folders by parent and records uploads and renames.
type fakeAPI struct {
	mu       sync.Mutex
	srv      *httptest.Server
	folders  map[string][]Folder
	uploads  map[string]string
	renamed  map[string]string
	nextID   int
	failUpld bool
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	f := &fakeAPI{folders: map[string][]Folder{}, uploads: map[string]string{}, renamed: map[string]string{}}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	c := NewClient("user", "secret")
	c.BaseURL = f.srv.URL
	return f, c
}

func (f *fakeAPI) ok(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"status": 200, "msg": "OK", "result": result})
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	if r.URL.Path != "/upload" && (q.Get("login") != "user" || q.Get("key") != "secret") {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": 403, "msg": "invalid login"})
		return
	}
	switch r.URL.Path {
	case "/file/listfolder":
		f.ok(w, Listing{Folders: f.folders[q.Get("folder")]})
	case "/file/createfolder":
		f.nextID++
		id := fmt.Sprintf("fld%d", f.nextID)
		f.folders[q.Get("pid")] = append(f.folders[q.Get("pid")], Folder{ID: id, Name: q.Get("name")})
		f.ok(w, map[string]string{"folderid": id})
	case "/file/ul":
		f.ok(w, map[string]string{"url": f.srv.URL + "/upload?folder=" + q.Get("folder")})
	case "/upload":
		if f.failUpld {
			http.Error(w, "storage full", http.StatusInsufficientStorage)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.nextID++
		id := fmt.Sprintf("file%d", f.nextID)
		f.uploads[id] = q.Get("folder") + "/" + string(body)
		f.ok(w, map[string]string{"id": id, "url": "https://streamtape.com/v/" + id})
	case "/file/rename":
		f.renamed[q.Get("file")] = q.Get("name")
		f.ok(w, true)
	default:
		http.NotFound(w, r)
	}
}

type chanReporter chan domain.Outcome

func (c chanReporter) OnTerminal(_ context.Context, _ string, out domain.Outcome) error {
	c <- out
	return nil
}

func waitOutcome(t *testing.T, c chanReporter) domain.Outcome {
	t.Helper()
	select {
	case out := <-c:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal report")
	}
	return domain.Outcome{}
}

func TestAllowed(t *testing.T) {
	require.True(t, Allowed("Movie.MKV"))
	require.True(t, Allowed("clip.ts"))
	require.False(t, Allowed("notes.txt"))
	require.False(t, Allowed("noext"))
}

func TestCreateFolderRenamesOnCollision(t *testing.T) {
	f, c := newFakeAPI(t)
	f.folders[""] = []Folder{{ID: "a", Name: "Show"}, {ID: "b", Name: "1 Show"}}

	id, err := c.CreateFolder(context.Background(), "Show", "")
	require.NoError(t, err)
	require.Equal(t, "2 Show", f.folders[""][2].Name)
	require.Equal(t, id, f.folders[""][2].ID)
}

func TestUploadSingleFile(t *testing.T) {
	f, c := newFakeAPI(t)
	path := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(path, []byte("frames"), 0o644))

	b := New(c)
	rep := make(chanReporter, 1)
	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: path}, rep))
	require.Equal(t, domain.Completed(FileLink("file2")), waitOutcome(t, rep))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, "movie", f.folders[""][0].Name)
	require.Equal(t, "fld1/frames", f.uploads["file2"])
	require.Equal(t, "movie.mp4", f.renamed["file2"])
}

func TestUploadFolderSkipsOtherFiles(t *testing.T) {
	f, c := newFakeAPI(t)
	root := filepath.Join(t.TempDir(), "Show")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "S01"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "S01", "e1.mkv"), []byte("e1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "trailer.webm"), []byte("tr"), 0o644))

	b := New(c)
	rep := make(chanReporter, 1)
	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: root, Destination: "parent"}, rep))
	require.Equal(t, domain.Completed(FolderRef("fld1")), waitOutcome(t, rep))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []Folder{{ID: "fld1", Name: "Show"}}, f.folders["parent"])
	require.Equal(t, []Folder{{ID: "fld2", Name: "S01"}}, f.folders["fld1"])
	var got []string
	for _, u := range f.uploads {
		got = append(got, u)
	}
	require.ElementsMatch(t, []string{"fld2/e1", "fld1/tr"}, got)
}

func TestUploadFailures(t *testing.T) {
	f, c := newFakeAPI(t)
	dir := t.TempDir()
	doc := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("pdf"), 0o644))

	b := New(c)
	rep := make(chanReporter, 1)
	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: doc}, rep))
	out := waitOutcome(t, rep)
	require.Equal(t, domain.StateFailed, out.State)
	require.Contains(t, out.Reason, "not accepted")

	video := filepath.Join(dir, "v.mp4")
	require.NoError(t, os.WriteFile(video, []byte("v"), 0o644))
	f.mu.Lock()
	f.failUpld = true
	f.mu.Unlock()
	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t2", SourceLink: video}, rep))
	out = waitOutcome(t, rep)
	require.Equal(t, domain.StateFailed, out.State)
	require.Contains(t, out.Reason, "storage full")

	err := b.Start(context.Background(), domain.Task{ID: "t3", SourceLink: filepath.Join(dir, "missing.mkv")}, rep)
	require.Error(t, err)
}

func TestBadCredentials(t *testing.T) {
	_, c := newFakeAPI(t)
	c.Key = "wrong"
	_, err := c.ListFolder(context.Background(), "")
	require.ErrorContains(t, err, "invalid login")
}
